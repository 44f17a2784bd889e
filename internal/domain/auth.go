package domain

import "time"

// Permission names granted to an authenticated spoke.
const (
	PermRecord   = "record"
	PermSync     = "sync"
	PermPreview  = "preview"
	PermTransfer = "transfer"
)

// AuthChallenge is a single-use challenge issued to a device. It expires
// after a fixed window and is consumed by the first verification attempt.
type AuthChallenge struct {
	Challenge string    `json:"challenge"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"timestamp"`
}

// AuthResponse is what a device sends back to answer a challenge.
type AuthResponse struct {
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// AuthToken grants a device a fixed permission set for a bounded lifetime.
// One token per device: a new successful verification overwrites the prior.
type AuthToken struct {
	Token       string              `json:"token"`
	DeviceID    string              `json:"device_id"`
	IssuedAt    time.Time           `json:"issued_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
	Permissions map[string]struct{} `json:"-"`
}

// Expired reports whether the token lifetime has elapsed at now.
func (t *AuthToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
