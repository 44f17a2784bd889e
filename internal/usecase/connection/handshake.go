package connection

import (
	"context"

	"sensorhub/internal/domain"
	"sensorhub/internal/protocol"
)

// Authenticator verifies spoke identity through a challenge round-trip.
// The auth manager satisfies this.
type Authenticator interface {
	CreateChallenge(deviceID string) (domain.AuthChallenge, error)
	VerifyResponse(deviceID string, resp domain.AuthResponse) (*domain.AuthToken, error)
}

// SetAuthenticator enables the challenge handshake for devices added after
// the call. A nil authenticator (the default) skips the handshake, which
// keeps unauthenticated LANs working. Call before Start.
func (m *Manager) SetAuthenticator(a Authenticator) {
	m.auth = a
}

// authenticate runs one challenge round-trip on the device's command
// channel and verifies the signed response.
func (m *Manager) authenticate(ctx context.Context, entry *deviceEntry) error {
	deviceID := entry.device.Name
	ch, err := m.auth.CreateChallenge(deviceID)
	if err != nil {
		return err
	}

	ack, err := m.sendWithBreaker(ctx, entry, protocol.AuthChallenge(m.nextID(), ch.Challenge, ch.Nonce))
	if err != nil {
		return err
	}

	ts, _ := ack.IntField("timestamp")
	_, err = m.auth.VerifyResponse(deviceID, domain.AuthResponse{
		Signature: ack.StringField("signature"),
		Nonce:     ack.StringField("nonce"),
		Timestamp: ts,
	})
	return err
}

// runHandshake authenticates a newly added device in the background. A
// device that fails the handshake is dropped; discovery may re-add it for
// another attempt.
func (m *Manager) runHandshake(ctx context.Context, entry *deviceEntry) {
	deviceID := entry.device.Name
	if err := m.authenticate(ctx, entry); err != nil {
		m.logger.Warn("device handshake failed", "name", deviceID, "error", err)
		m.emit(ctx, domain.EventDeviceAuthFailed, map[string]any{
			"name": deviceID, "error": err.Error(),
		})
		m.RemoveDevice(ctx, deviceID)
		return
	}
	m.emit(ctx, domain.EventDeviceAuthenticated, map[string]any{"name": deviceID})
	m.logger.Info("device authenticated", "name", deviceID)
}
