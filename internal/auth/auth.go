// Package auth implements challenge-response authentication and the
// session table for the agentport host.
//
// Every new connection is handed a single-use random nonce. A client
// authenticates by echoing that nonce together with either the static
// token or a pairing-issued device token. The nonce binds the attempt
// to one connection, so a captured authenticate frame cannot be
// replayed against another session.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/agentport/host/internal/config"
	"github.com/agentport/host/internal/cryptoutil"
	"github.com/agentport/host/internal/logger"
	"github.com/agentport/host/internal/ratelimit"
	"github.com/agentport/host/internal/securemem"
)

const (
	// challengeTTL is how long an unconsumed nonce stays valid.
	challengeTTL = 30 * time.Second
	// sessionIdleTimeout evicts sessions with no activity.
	sessionIdleTimeout = 24 * time.Hour
	// sweepInterval drives the background eviction pass.
	sweepInterval = 60 * time.Second
)

var (
	// ErrNoChallenge means no pending challenge exists for the session.
	ErrNoChallenge = errors.New("no pending challenge")
	// ErrInvalidNonce means the echoed nonce does not match.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrInvalidToken means the credential failed both the paired-device
	// lookup and the static-token comparison.
	ErrInvalidToken = errors.New("invalid token")
)

// DeviceValidator validates pairing-issued tokens. Implemented by the
// pairing service; injected here so auth carries no pairing dependency.
type DeviceValidator interface {
	// ValidatePairedToken hashes the raw token, looks it up in the
	// paired-device table, and bumps the device's last-seen time.
	// Returns the device id and true on a match.
	ValidatePairedToken(rawToken string) (deviceID string, ok bool)
}

type challenge struct {
	nonce    string
	issuedAt time.Time
}

// Service owns the challenge table, the session table, and one rate
// limiter per authenticated session. Safe for concurrent use.
type Service struct {
	mu         sync.Mutex
	challenges map[string]*challenge // connection id -> pending challenge
	sessions   map[string]*Session   // session id -> session
	limiters   map[string]*ratelimit.Limiter

	cfg         *config.Config
	staticToken *securemem.String
	devices     DeviceValidator

	stopOnce sync.Once
	stopChan chan struct{}

	now func() time.Time // stubbed in tests
}

// NewService creates the auth service. devices may be nil when pairing
// is disabled. The service takes ownership of staticToken.
func NewService(cfg *config.Config, staticToken *securemem.String, devices DeviceValidator) *Service {
	return &Service{
		challenges:  make(map[string]*challenge),
		sessions:    make(map[string]*Session),
		limiters:    make(map[string]*ratelimit.Limiter),
		cfg:         cfg,
		staticToken: staticToken,
		devices:     devices,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the periodic sweeper that evicts idle sessions and
// stale challenges.
func (s *Service) Start() {
	go s.sweepLoop()
}

// Stop halts the sweeper and wipes the static token from memory.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.staticToken.Destroy()
	})
}

// CreateChallenge generates and stores a random nonce for the given
// connection, replacing any prior pending challenge. The previous nonce
// becomes invalid immediately.
func (s *Service) CreateChallenge(connID string) (string, error) {
	nonce, err := cryptoutil.GenerateNonce()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.challenges[connID] = &challenge{nonce: nonce, issuedAt: s.now()}
	s.mu.Unlock()

	return nonce, nil
}

// Authenticate validates a token against the pending challenge for the
// connection. The challenge is claimed atomically while the nonce is
// checked, so one nonce can never mint more than one session; a failed
// credential check hands it back. On success a fresh session id is
// minted and a rate limiter is created for the session.
func (s *Service) Authenticate(connID, token, nonce string, info ClientInfo) (*Session, error) {
	s.mu.Lock()
	ch, ok := s.challenges[connID]
	if !ok || s.now().Sub(ch.issuedAt) > challengeTTL {
		delete(s.challenges, connID)
		s.mu.Unlock()
		return nil, ErrNoChallenge
	}
	// The nonce itself is not secret; plain equality is fine here.
	// The token comparison below is the constant-time one.
	if ch.nonce != nonce {
		s.mu.Unlock()
		return nil, ErrInvalidNonce
	}
	// Claim the challenge before releasing the lock: of any concurrent
	// attempts carrying the same nonce, exactly one proceeds past this
	// point. A failed credential check restores it below.
	delete(s.challenges, connID)
	s.mu.Unlock()

	// Paired-device tokens take precedence over the static token.
	var deviceID string
	authenticated := false
	if s.devices != nil {
		if id, ok := s.devices.ValidatePairedToken(token); ok {
			deviceID = id
			authenticated = true
		}
	}
	if !authenticated {
		// Length mismatch fails without leaking timing on the bytes.
		if s.staticToken.IsEmpty() || s.staticToken.Len() != len(token) || !s.staticToken.Equal(token) {
			s.restoreChallenge(connID, ch)
			return nil, ErrInvalidToken
		}
	}

	sessionID, err := cryptoutil.GenerateSessionID()
	if err != nil {
		s.restoreChallenge(connID, ch)
		return nil, err
	}

	now := s.now()
	session := &Session{
		ID:             sessionID,
		Authenticated:  true,
		ConnectedAt:    now,
		LastActivity:   now,
		Client:         info,
		PairedDeviceID: deviceID,
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.limiters[sessionID] = ratelimit.New(s.cfg.Auth.RequestsPerSecond)
	s.mu.Unlock()

	if deviceID != "" {
		logger.Info("Session %s... authenticated via paired device %s", sessionID[:8], deviceID)
	} else {
		logger.Info("Session %s... authenticated via static token", sessionID[:8])
	}

	out := *session
	return &out, nil
}

// restoreChallenge puts a claimed challenge back after a failed
// attempt, unless a newer challenge has been issued for the connection
// in the meantime.
func (s *Service) restoreChallenge(connID string, ch *challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.challenges[connID]; !exists {
		s.challenges[connID] = ch
	}
}

// IsAuthenticated reports whether the session exists and is not idle
// beyond the 24h timeout. Expired sessions are evicted on the spot.
func (s *Service) IsAuthenticated(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if s.now().Sub(session.LastActivity) > sessionIdleTimeout {
		delete(s.sessions, sessionID)
		delete(s.limiters, sessionID)
		logger.Info("Session %s... expired after inactivity", sessionID[:8])
		return false
	}
	return session.Authenticated
}

// UpdateActivity bumps the session's last-activity time and request
// counter. Called for every accepted request.
func (s *Service) UpdateActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		session.LastActivity = s.now()
		session.RequestCount++
	}
}

// CheckRateLimit admits or rejects one request for the session. Always
// succeeds when rate limiting is disabled by configuration. The
// limiter's ceiling is refreshed from config so runtime changes apply
// without resetting history.
func (s *Service) CheckRateLimit(sessionID string) bool {
	if !s.cfg.Auth.RateLimitEnabled {
		return true
	}

	s.mu.Lock()
	limiter, ok := s.limiters[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	limiter.UpdateLimit(s.cfg.Auth.RequestsPerSecond)
	return limiter.RecordAndCheck()
}

// Session returns a copy of the session record.
func (s *Service) Session(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// RemoveSession drops a session and its rate limiter. Called when the
// owning connection closes.
func (s *Service) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	delete(s.limiters, sessionID)
}

// RemoveChallenge drops a pending challenge for a connection that
// closed before authenticating.
func (s *Service) RemoveChallenge(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, connID)
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

// sweep evicts idle sessions and stale unconsumed challenges
// independent of request traffic.
func (s *Service) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, session := range s.sessions {
		if now.Sub(session.LastActivity) > sessionIdleTimeout {
			delete(s.sessions, id)
			delete(s.limiters, id)
			logger.Debug("Swept expired session %s...", id[:8])
		}
	}
	for id, ch := range s.challenges {
		if now.Sub(ch.issuedAt) > challengeTTL {
			delete(s.challenges, id)
			logger.Debug("Swept stale challenge for connection %s", id)
		}
	}
}
