// Package pairing implements the out-of-band device-pairing handshake.
//
// The host displays a short-lived 6-digit code. A client submits the code
// together with its ephemeral public key; the host derives a shared
// secret via X25519 and asks the local user to approve the device. Only
// after approval is a long-lived token minted, persisted as a hash, and
// returned to the client encrypted under the shared secret.
package pairing

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentport/host/internal/cryptoutil"
	"github.com/agentport/host/internal/eventbus"
	"github.com/agentport/host/internal/logger"
)

// codeTTL is how long an issued pairing code remains valid. The whole
// handshake, approval included, must finish inside this window.
const codeTTL = 120 * time.Second

// EventAwaitingApproval is emitted on the event bus when a client has
// exchanged keys and the local user must approve or reject it.
const EventAwaitingApproval = "pairing.awaitingApproval"

var (
	// ErrInvalidCode covers unknown, mismatched, and expired codes.
	ErrInvalidCode = errors.New("invalid or expired pairing code")
	// ErrNoPendingPairing means Approve/Reject was called with nothing
	// awaiting approval.
	ErrNoPendingPairing = errors.New("no pairing awaiting approval")
	// ErrRejected means the local user declined the device.
	ErrRejected = errors.New("pairing rejected by user")
	// ErrExpired means the pairing timed out before approval.
	ErrExpired = errors.New("pairing expired before approval")
	// ErrInProgress means another client already initiated against the
	// current code.
	ErrInProgress = errors.New("pairing already in progress")
)

// State tracks one pairing attempt through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateCodeIssued
	StateKeyExchanged
	StateAwaitingApproval
	StateApproved
	StateRejected
	StateExpired
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCodeIssued:
		return "CodeIssued"
	case StateKeyExchanged:
		return "KeyExchanged"
	case StateAwaitingApproval:
		return "AwaitingApproval"
	case StateApproved:
		return "Approved"
	case StateRejected:
		return "Rejected"
	case StateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// ApprovalPrompt is the payload of EventAwaitingApproval.
type ApprovalPrompt struct {
	DeviceName  string `json:"device_name"`
	Fingerprint string `json:"fingerprint"`
}

// pendingPairing is the in-memory state of one attempt. The ephemeral
// key pair and derived secret never leave this struct.
type pendingPairing struct {
	code      string
	keys      *cryptoutil.KeyPair
	issuedAt  time.Time
	state     State
	sharedKey []byte
	decision  chan bool
}

// Result is returned to the initiating client after approval.
type Result struct {
	DeviceID string `json:"device_id"`
	// EncryptedToken is base64(iv||tag||ciphertext) of the pairing
	// token under the X25519-derived shared key.
	EncryptedToken string `json:"encrypted_token"`
	// HostPublicKey lets the client derive the same shared key.
	HostPublicKey string `json:"host_public_key"`
}

// Service runs pairing attempts and owns the paired-device table.
// One attempt is active at a time; issuing a new code discards the
// previous attempt.
type Service struct {
	mu      sync.Mutex
	pending *pendingPairing

	store *Store
	bus   *eventbus.Bus

	now func() time.Time // stubbed in tests
}

// NewService creates the pairing service. The bus receives approval
// prompts; the store persists approved devices.
func NewService(store *Store, bus *eventbus.Bus) *Service {
	return &Service{
		store: store,
		bus:   bus,
		now:   time.Now,
	}
}

// IssueCode starts a new pairing attempt: a random 6-digit code and a
// fresh ephemeral key pair, valid for two minutes. Any prior attempt is
// discarded.
func (s *Service) IssueCode() (code string, expiresAt time.Time, err error) {
	code, err = cryptoutil.GeneratePairingCode()
	if err != nil {
		return "", time.Time{}, err
	}
	keys, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return "", time.Time{}, err
	}

	s.mu.Lock()
	s.pending = &pendingPairing{
		code:     code,
		keys:     keys,
		issuedAt: s.now(),
		state:    StateCodeIssued,
		decision: make(chan bool, 1),
	}
	s.mu.Unlock()

	logger.Info("Pairing code issued, valid for %s", codeTTL)
	return code, s.now().Add(codeTTL), nil
}

// Initiate handles pair.initiate from a client: validates the code,
// derives the shared secret, and blocks until the local user approves
// or rejects the device, or the code's window runs out. On approval it
// mints the device token and returns it encrypted under the shared key.
func (s *Service) Initiate(ctx context.Context, code, clientPublicKey, deviceName string) (*Result, error) {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.state != StateCodeIssued {
		if p != nil && (p.state == StateKeyExchanged || p.state == StateAwaitingApproval) {
			s.mu.Unlock()
			return nil, ErrInProgress
		}
		s.mu.Unlock()
		return nil, ErrInvalidCode
	}
	now := s.now()
	if now.Sub(p.issuedAt) > codeTTL {
		p.state = StateExpired
		s.pending = nil
		s.mu.Unlock()
		return nil, ErrInvalidCode
	}
	if subtle.ConstantTimeCompare([]byte(p.code), []byte(code)) != 1 {
		s.mu.Unlock()
		return nil, ErrInvalidCode
	}

	sharedKey, err := p.keys.DeriveSharedKey(clientPublicKey)
	if err != nil {
		s.mu.Unlock()
		return nil, ErrInvalidCode
	}
	p.sharedKey = sharedKey
	p.state = StateKeyExchanged

	fingerprint := cryptoutil.Fingerprint(clientPublicKey)
	p.state = StateAwaitingApproval
	deadline := p.issuedAt.Add(codeTTL)
	decision := p.decision
	hostPublicKey := p.keys.PublicKey()
	s.mu.Unlock()

	logger.Info("Pairing key exchange complete, awaiting approval (fingerprint %s)", fingerprint)
	s.bus.Emit(EventAwaitingApproval, ApprovalPrompt{
		DeviceName:  deviceName,
		Fingerprint: fingerprint,
	})

	timer := time.NewTimer(deadline.Sub(s.now()))
	defer timer.Stop()

	select {
	case approved := <-decision:
		if !approved {
			s.finish(p, StateRejected)
			return nil, ErrRejected
		}
	case <-timer.C:
		s.finish(p, StateExpired)
		return nil, ErrExpired
	case <-ctx.Done():
		s.finish(p, StateExpired)
		return nil, ctx.Err()
	}

	token, err := cryptoutil.GenerateToken()
	if err != nil {
		s.finish(p, StateExpired)
		return nil, err
	}

	device := &Device{
		ID:          uuid.NewString(),
		Name:        deviceName,
		TokenHash:   cryptoutil.HashToken(token),
		Fingerprint: fingerprint,
		PairedAt:    s.now(),
		LastSeen:    s.now(),
	}
	if err := s.store.SaveDevice(device); err != nil {
		s.finish(p, StateExpired)
		return nil, err
	}

	encrypted, err := cryptoutil.Encrypt(token, sharedKey)
	if err != nil {
		// The client never receives the token, so the saved record
		// would be a dead entry in the device table.
		if delErr := s.store.DeleteDevice(device.ID); delErr != nil {
			logger.Warn("Failed to roll back device %s: %v", device.ID, delErr)
		}
		s.finish(p, StateExpired)
		return nil, err
	}
	s.finish(p, StateApproved)

	logger.Info("Device %q paired (id %s, fingerprint %s)", deviceName, device.ID, fingerprint)
	return &Result{
		DeviceID:       device.ID,
		EncryptedToken: encrypted,
		HostPublicKey:  hostPublicKey,
	}, nil
}

// finish records the terminal state and discards the attempt along
// with its ephemeral key material. It only clears s.pending when it
// still points at this attempt: a stale Initiate unblocking after
// IssueCode replaced the attempt must not wipe the fresh one.
func (s *Service) finish(p *pendingPairing, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger.Debug("Pairing attempt finished: %s", state)
	if s.pending == p {
		s.pending = nil
	}
}

// Approve resolves the attempt awaiting local-user approval.
func (s *Service) Approve() error {
	return s.decide(true)
}

// Reject declines the attempt awaiting local-user approval.
func (s *Service) Reject() error {
	return s.decide(false)
}

func (s *Service) decide(approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.state != StateAwaitingApproval {
		return ErrNoPendingPairing
	}
	select {
	case s.pending.decision <- approved:
		return nil
	default:
		return ErrNoPendingPairing
	}
}

// CurrentState reports the state of the active attempt, StateIdle when
// none is active.
func (s *Service) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return StateIdle
	}
	return s.pending.state
}

// ValidatePairedToken hashes the raw token and looks it up against the
// stored device hashes, bumping last-seen on a match. Implements the
// auth service's device validator.
func (s *Service) ValidatePairedToken(rawToken string) (string, bool) {
	device, err := s.store.GetDeviceByTokenHash(cryptoutil.HashToken(rawToken))
	if err != nil {
		logger.Error("Paired-token lookup failed: %v", err)
		return "", false
	}
	if device == nil {
		return "", false
	}
	if err := s.store.UpdateLastSeen(device.ID, s.now()); err != nil {
		logger.Warn("Failed to update device last-seen: %v", err)
	}
	return device.ID, true
}

// ListDevices returns all paired devices.
func (s *Service) ListDevices() ([]*Device, error) {
	return s.store.ListDevices()
}

// RevokeDevice removes a paired device; its token stops validating
// immediately.
func (s *Service) RevokeDevice(id string) error {
	return s.store.DeleteDevice(id)
}

// Dispose closes the device store.
func (s *Service) Dispose() error {
	return s.store.Close()
}
