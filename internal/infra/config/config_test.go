package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "_sensorhub._tcp", cfg.Discovery.ServiceType)
	assert.Equal(t, "local.", cfg.Discovery.Domain)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Timeout())
	assert.Equal(t, 3, cfg.Heartbeat.MaxMisses)
	assert.Equal(t, 8081, cfg.TimeSync.Port)
	assert.Equal(t, 0.1, cfg.TimeSync.TrimRatio)
	assert.Equal(t, 10000, cfg.Auth.NonceCacheSize)
	assert.Equal(t, 300*time.Second, cfg.Auth.TimestampWindow())
	assert.Equal(t, 5.0, cfg.FlashSync.ToleranceMS)
	assert.Equal(t, 0.8, cfg.FlashSync.PassRatio)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  name: lab-hub
heartbeat:
  timeout_seconds: 20
auth:
  device_secrets:
    cam-1: plain-secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lab-hub", cfg.Hub.Name)
	assert.Equal(t, 20*time.Second, cfg.Heartbeat.Timeout())
	// Unset fields fall back to defaults.
	assert.Equal(t, 3, cfg.Heartbeat.SweepIntervalSec)
	assert.Equal(t, ":9091", cfg.Aggregator.ListenAddr)
	assert.Equal(t, "plain-secret", cfg.Auth.DeviceSecrets["cam-1"])
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "hub: [unclosed")
	_, err := Load(path)
	require.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestValidateRejectsBadRatios(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"trim ratio above clamp", func(c *Config) { c.TimeSync.TrimRatio = 0.5 }},
		{"trim ratio negative", func(c *Config) { c.TimeSync.TrimRatio = -0.1 }},
		{"pass ratio above one", func(c *Config) { c.FlashSync.PassRatio = 1.5 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput)
		})
	}
}

func TestValidateTLSNeedsCertOrSelfSigned(t *testing.T) {
	cfg := Default()
	cfg.TLS.Enabled = true
	require.ErrorIs(t, cfg.Validate(), domain.ErrTLSConfig)

	cfg.TLS.SelfSigned = true
	require.NoError(t, cfg.Validate())

	cfg.TLS.SelfSigned = false
	cfg.TLS.CertFile = "hub.crt"
	cfg.TLS.KeyFile = "hub.key"
	require.NoError(t, cfg.Validate())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("device-secret-123", "passphrase")
	require.NoError(t, err)
	require.NotContains(t, enc, "device-secret-123")

	plain, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "device-secret-123", plain)

	_, err = DecryptValue(enc, "wrong-passphrase")
	require.Error(t, err)

	// Two encryptions of the same value never share salt or nonce.
	enc2, err := EncryptValue("device-secret-123", "passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)
}

func TestLoadDecryptsDeviceSecrets(t *testing.T) {
	enc, err := EncryptValue("s3cret", "hub-pass")
	require.NoError(t, err)

	path := writeConfig(t, `
auth:
  device_secrets:
    cam-1: "enc:`+enc+`"
    cam-2: plain
`)

	t.Setenv(PassphraseEnv, "hub-pass")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.DeviceSecrets["cam-1"])
	assert.Equal(t, "plain", cfg.Auth.DeviceSecrets["cam-2"])
}

func TestLoadEncryptedSecretsWithoutPassphrase(t *testing.T) {
	enc, err := EncryptValue("s3cret", "hub-pass")
	require.NoError(t, err)
	path := writeConfig(t, `
auth:
  device_secrets:
    cam-1: "enc:`+enc+`"
`)

	t.Setenv(PassphraseEnv, "")
	_, err = Load(path)
	require.ErrorIs(t, err, domain.ErrConfigLoad)

	t.Setenv(PassphraseEnv, "not-the-passphrase")
	_, err = Load(path)
	require.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.Hub.CommandTimeout())
	assert.Equal(t, 5*time.Second, cfg.Hub.AckTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.Discovery.ReconnectDelay())
	assert.Equal(t, 3*time.Second, cfg.Heartbeat.SweepInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.Aggregator.AcceptDeadline())
}
