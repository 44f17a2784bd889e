// Package auth implements hub-side challenge-response authentication with
// replay protection. It is independent of TLS: a spoke on a trusted socket
// still has to prove possession of its shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

// Manager issues challenges, verifies signed responses, and manages
// short-lived tokens. One token per device: a new success overwrites the
// prior token. All maps sit behind a single mutex; nothing here calls back
// into other components while holding it.
type Manager struct {
	mu      sync.Mutex
	cfg     config.AuthConfig
	secrets map[string]string
	pending map[string]domain.AuthChallenge
	tokens  map[string]*domain.AuthToken

	// Consumed-nonce cache. nonceOrder preserves insertion order so
	// pruning can keep the most-recent half. This is an approximation,
	// not true LRU; see package tests for the documented behavior.
	nonceSet   map[string]struct{}
	nonceOrder []string

	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an auth manager. Device secrets come decrypted from
// the config layer.
func NewManager(cfg config.AuthConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		secrets:  cfg.DeviceSecrets,
		pending:  make(map[string]domain.AuthChallenge),
		tokens:   make(map[string]*domain.AuthToken),
		nonceSet: make(map[string]struct{}),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateChallenge generates a single-use challenge and nonce for a device,
// replacing any pending challenge for the same device.
func (m *Manager) CreateChallenge(deviceID string) (domain.AuthChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secrets[deviceID]; !ok {
		return domain.AuthChallenge{}, domain.NewDomainError(
			"Auth.CreateChallenge", domain.ErrAuthInvalid, "no secret configured for device")
	}

	ch := domain.AuthChallenge{
		Challenge: uuid.NewString(),
		Nonce:     uuid.NewString(),
		IssuedAt:  m.now(),
	}
	m.pending[deviceID] = ch
	m.logger.Debug("auth challenge issued", "device_id", deviceID)
	return ch, nil
}

// VerifyResponse checks a signed challenge response. On success it consumes
// the nonce, clears the pending challenge, and issues a token carrying the
// fixed permission set. Every failure path leaves no partial state behind
// except expiry, which drops the dead challenge.
func (m *Manager) VerifyResponse(deviceID string, resp domain.AuthResponse) (*domain.AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.pending[deviceID]
	if !ok {
		return nil, domain.NewDomainError("Auth.VerifyResponse", domain.ErrChallengeMissing, deviceID)
	}

	now := m.now()
	if now.Sub(ch.IssuedAt) > m.cfg.ChallengeTimeout() {
		delete(m.pending, deviceID)
		return nil, domain.NewDomainError("Auth.VerifyResponse", domain.ErrChallengeExpired, deviceID)
	}
	if resp.Nonce != ch.Nonce {
		return nil, domain.NewDomainError("Auth.VerifyResponse", domain.ErrNonceMismatch, deviceID)
	}
	if _, used := m.nonceSet[resp.Nonce]; used {
		return nil, domain.NewDomainError("Auth.VerifyResponse", domain.ErrNonceReplayed, deviceID)
	}

	skew := now.Unix() - resp.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > m.cfg.TimestampWindow() {
		return nil, domain.NewDomainError("Auth.VerifyResponse", domain.ErrTimestampSkew,
			fmt.Sprintf("%s: skew %ds", deviceID, skew))
	}

	want := Signature(m.secrets[deviceID], ch.Challenge, resp.Nonce, resp.Timestamp)
	if subtle.ConstantTimeCompare([]byte(want), []byte(resp.Signature)) != 1 {
		return nil, domain.NewDomainError("Auth.VerifyResponse", domain.ErrSignatureInvalid, deviceID)
	}

	m.consumeNonceLocked(resp.Nonce)
	delete(m.pending, deviceID)

	token, err := newToken(deviceID, now, m.cfg.TokenLifetime())
	if err != nil {
		return nil, domain.WrapOp("Auth.VerifyResponse", err)
	}
	m.tokens[deviceID] = token
	m.logger.Info("device authenticated", "device_id", deviceID, "expires_at", token.ExpiresAt)

	issued := *token
	return &issued, nil
}

// IsAuthorized checks token presence, non-expiry, and permission
// membership. A non-empty nonce is checked against the replay set and
// consumed on success.
func (m *Manager) IsAuthorized(deviceID, action, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[deviceID]
	if !ok {
		return domain.NewDomainError("Auth.IsAuthorized", domain.ErrAuthInvalid, "no token for "+deviceID)
	}
	if token.Expired(m.now()) {
		return domain.NewDomainError("Auth.IsAuthorized", domain.ErrTokenExpired, deviceID)
	}
	if _, ok := token.Permissions[action]; !ok {
		return domain.NewDomainError("Auth.IsAuthorized", domain.ErrNotAuthorized,
			fmt.Sprintf("%s on %s", action, deviceID))
	}
	if nonce != "" {
		if _, used := m.nonceSet[nonce]; used {
			return domain.NewDomainError("Auth.IsAuthorized", domain.ErrNonceReplayed, deviceID)
		}
		m.consumeNonceLocked(nonce)
	}
	return nil
}

// RevokeToken drops a device's token, e.g. when the operator removes it.
func (m *Manager) RevokeToken(deviceID string) {
	m.mu.Lock()
	delete(m.tokens, deviceID)
	m.mu.Unlock()
}

// HasToken reports whether a live token exists without consuming anything.
func (m *Manager) HasToken(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[deviceID]
	return ok && !token.Expired(m.now())
}

// consumeNonceLocked records a nonce as used and prunes the cache to its
// most-recent half on overflow. Insertion-order pruning, not exact LRU.
func (m *Manager) consumeNonceLocked(nonce string) {
	m.nonceSet[nonce] = struct{}{}
	m.nonceOrder = append(m.nonceOrder, nonce)

	if len(m.nonceOrder) <= m.cfg.NonceCacheSize {
		return
	}
	keepFrom := len(m.nonceOrder) / 2
	for _, old := range m.nonceOrder[:keepFrom] {
		delete(m.nonceSet, old)
	}
	m.nonceOrder = append([]string(nil), m.nonceOrder[keepFrom:]...)
	m.logger.Warn("nonce cache pruned", "kept", len(m.nonceOrder))
}

// Signature computes the expected challenge response:
// HMAC-SHA256(secret, "challenge:nonce:timestamp"), hex-encoded. Exported so
// spoke-side code and tests produce byte-identical signatures.
func Signature(secret, challenge, nonce string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge + ":" + nonce + ":" + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func newToken(deviceID string, now time.Time, lifetime time.Duration) (*domain.AuthToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &domain.AuthToken{
		Token:     hex.EncodeToString(raw),
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		Permissions: map[string]struct{}{
			domain.PermRecord:   {},
			domain.PermSync:     {},
			domain.PermPreview:  {},
			domain.PermTransfer: {},
		},
	}, nil
}
