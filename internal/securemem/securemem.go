// Package securemem provides memory-protected storage for sensitive data
// using memguard, so tokens never sit in plain heap memory where a debugger,
// memory dump, or swap could pick them up.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Init wires memguard's interrupt handler so secure buffers are wiped on
// SIGINT/SIGTERM. Call once from main before any secret is stored.
func Init() {
	memguard.CatchInterrupt()
}

// Purge destroys all secure buffers. Intended for shutdown paths.
func Purge() {
	memguard.Purge()
}

// String is a secure string wrapper that stores sensitive data in
// encrypted memory.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString creates a new secure string from the given plaintext.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// NewStringFromBytes creates a new secure string from the given bytes.
// NOTE: memguard may wipe the input slice for security.
func NewStringFromBytes(data []byte) *String {
	return &String{
		buf: memguard.NewBufferFromBytes(data),
	}
}

// Bytes returns a copy of the plaintext bytes.
// WARNING: the copy lives in regular memory; callers should zero it
// when no longer needed.
func (s *String) Bytes() []byte {
	if s == nil || s.invalid || s.buf == nil {
		return nil
	}
	b := s.buf.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Len returns the length of the stored value.
func (s *String) Len() int {
	if s == nil || s.invalid || s.buf == nil {
		return 0
	}
	return len(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or has been destroyed.
func (s *String) IsEmpty() bool {
	return s.Len() == 0
}

// Equal reports whether the secure string equals the given plaintext.
// The comparison is done in constant time.
func (s *String) Equal(other string) bool {
	if s == nil || s.invalid || s.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// Destroy securely wipes the string from memory.
// After calling this, the string should not be used.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}
