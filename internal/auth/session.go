package auth

import "time"

// ClientInfo is optional metadata a client supplies when authenticating.
type ClientInfo struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Session is an authenticated client session. Created on successful
// authentication, destroyed on disconnect or after 24h of inactivity.
type Session struct {
	ID            string
	Authenticated bool
	ConnectedAt   time.Time
	LastActivity  time.Time
	RequestCount  int
	Client        ClientInfo
	// PairedDeviceID is set when the session authenticated with a
	// pairing-issued token rather than the static token.
	PairedDeviceID string
}
