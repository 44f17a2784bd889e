package auth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

func testManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	cfg := config.AuthConfig{
		ChallengeTimeoutSec: 30,
		TokenLifetimeSec:    3600,
		TimestampWindowSec:  300,
		NonceCacheSize:      10000,
		DeviceSecrets:       map[string]string{"cam-1": "secret-one", "cam-2": "secret-two"},
	}
	m := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func respond(secret string, ch domain.AuthChallenge, at time.Time) domain.AuthResponse {
	ts := at.Unix()
	return domain.AuthResponse{
		Signature: Signature(secret, ch.Challenge, ch.Nonce, ts),
		Nonce:     ch.Nonce,
		Timestamp: ts,
	}
}

func TestChallengeResponseSuccess(t *testing.T) {
	m, clock := testManager(t)

	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch.Challenge == "" || ch.Nonce == "" {
		t.Fatal("challenge or nonce empty")
	}

	token, err := m.VerifyResponse("cam-1", respond("secret-one", ch, *clock))
	if err != nil {
		t.Fatalf("VerifyResponse: %v", err)
	}
	if token.DeviceID != "cam-1" || token.Token == "" {
		t.Errorf("token malformed: %+v", token)
	}
	if !m.HasToken("cam-1") {
		t.Error("HasToken = false after success")
	}
	for _, perm := range []string{domain.PermRecord, domain.PermSync, domain.PermPreview, domain.PermTransfer} {
		if err := m.IsAuthorized("cam-1", perm, ""); err != nil {
			t.Errorf("IsAuthorized(%s): %v", perm, err)
		}
	}
}

func TestChallengeUnknownDevice(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.CreateChallenge("nobody")
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Fatalf("err = %v, want ErrAuthInvalid", err)
	}
}

func TestVerifyWithoutChallenge(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.VerifyResponse("cam-1", domain.AuthResponse{})
	if !errors.Is(err, domain.ErrChallengeMissing) {
		t.Fatalf("err = %v, want ErrChallengeMissing", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	m, clock := testManager(t)
	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(31 * time.Second)
	_, err = m.VerifyResponse("cam-1", respond("secret-one", ch, *clock))
	if !errors.Is(err, domain.ErrChallengeExpired) {
		t.Fatalf("err = %v, want ErrChallengeExpired", err)
	}

	// Expiry drops the pending challenge; a retry now reports it missing.
	_, err = m.VerifyResponse("cam-1", respond("secret-one", ch, *clock))
	if !errors.Is(err, domain.ErrChallengeMissing) {
		t.Fatalf("retry err = %v, want ErrChallengeMissing", err)
	}
}

func TestNonceMismatch(t *testing.T) {
	m, clock := testManager(t)
	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	resp := respond("secret-one", ch, *clock)
	resp.Nonce = "forged"
	if _, err := m.VerifyResponse("cam-1", resp); !errors.Is(err, domain.ErrNonceMismatch) {
		t.Fatalf("err = %v, want ErrNonceMismatch", err)
	}
}

func TestReplayRejected(t *testing.T) {
	m, clock := testManager(t)
	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	resp := respond("secret-one", ch, *clock)
	if _, err := m.VerifyResponse("cam-1", resp); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	// Replay the identical response against a fresh challenge carrying the
	// same nonce: nonce mismatch. Then force the worst case by re-pending
	// the original challenge so only the replay set stands in the way.
	m.mu.Lock()
	m.pending["cam-1"] = ch
	m.mu.Unlock()
	if _, err := m.VerifyResponse("cam-1", resp); !errors.Is(err, domain.ErrNonceReplayed) {
		t.Fatalf("replay err = %v, want ErrNonceReplayed", err)
	}
}

func TestTimestampSkewRejected(t *testing.T) {
	m, clock := testManager(t)
	for _, skew := range []time.Duration{301 * time.Second, -301 * time.Second} {
		ch, err := m.CreateChallenge("cam-1")
		if err != nil {
			t.Fatal(err)
		}
		resp := respond("secret-one", ch, clock.Add(skew))
		if _, err := m.VerifyResponse("cam-1", resp); !errors.Is(err, domain.ErrTimestampSkew) {
			t.Fatalf("skew %v: err = %v, want ErrTimestampSkew", skew, err)
		}
	}

	// Skew exactly at the window boundary passes.
	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.VerifyResponse("cam-1", respond("secret-one", ch, clock.Add(300*time.Second))); err != nil {
		t.Fatalf("boundary skew rejected: %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	m, clock := testManager(t)
	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.VerifyResponse("cam-1", respond("secret-two", ch, *clock)); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	// A failed signature keeps the challenge pending for another attempt.
	if _, err := m.VerifyResponse("cam-1", respond("secret-one", ch, *clock)); err != nil {
		t.Fatalf("honest retry: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	m, clock := testManager(t)
	ch, err := m.CreateChallenge("cam-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.VerifyResponse("cam-1", respond("secret-one", ch, *clock)); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(3601 * time.Second)
	if err := m.IsAuthorized("cam-1", domain.PermRecord, ""); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if m.HasToken("cam-1") {
		t.Error("HasToken = true for expired token")
	}
}

func TestRevokeToken(t *testing.T) {
	m, clock := testManager(t)
	ch, _ := m.CreateChallenge("cam-2")
	if _, err := m.VerifyResponse("cam-2", respond("secret-two", ch, *clock)); err != nil {
		t.Fatal(err)
	}
	m.RevokeToken("cam-2")
	if err := m.IsAuthorized("cam-2", domain.PermRecord, ""); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Fatalf("err = %v, want ErrAuthInvalid", err)
	}
}

func TestRequestNonceConsumedOnce(t *testing.T) {
	m, clock := testManager(t)
	ch, _ := m.CreateChallenge("cam-1")
	if _, err := m.VerifyResponse("cam-1", respond("secret-one", ch, *clock)); err != nil {
		t.Fatal(err)
	}

	if err := m.IsAuthorized("cam-1", domain.PermTransfer, "req-nonce-1"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := m.IsAuthorized("cam-1", domain.PermTransfer, "req-nonce-1"); !errors.Is(err, domain.ErrNonceReplayed) {
		t.Fatalf("second use err = %v, want ErrNonceReplayed", err)
	}
}

func TestNoncePruneKeepsRecentHalf(t *testing.T) {
	m, clock := testManager(t)
	m.cfg.NonceCacheSize = 8
	ch, _ := m.CreateChallenge("cam-1")
	if _, err := m.VerifyResponse("cam-1", respond("secret-one", ch, *clock)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 8; i++ {
		nonce := fmt.Sprintf("n-%d", i)
		if err := m.IsAuthorized("cam-1", domain.PermSync, nonce); err != nil {
			t.Fatalf("consume %s: %v", nonce, err)
		}
	}

	// The verify nonce plus n-0..n-7 is nine entries; overflow pruned the
	// oldest half, so the early nonces are reusable again while recent ones
	// still trip replay detection.
	if err := m.IsAuthorized("cam-1", domain.PermSync, "n-0"); err != nil {
		t.Errorf("pruned nonce n-0 still rejected: %v", err)
	}
	if err := m.IsAuthorized("cam-1", domain.PermSync, "n-7"); !errors.Is(err, domain.ErrNonceReplayed) {
		t.Errorf("recent nonce n-7 err = %v, want ErrNonceReplayed", err)
	}
}
