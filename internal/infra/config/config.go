// Package config loads the hub configuration from a single yaml file and
// injects it into each component at construction time. Components never read
// ambient state.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sensorhub/internal/domain"
)

// PassphraseEnv names the environment variable holding the passphrase used
// to decrypt "enc:" values in the config file.
const PassphraseEnv = "SENSORHUB_CONFIG_PASSPHRASE"

// Config is the top-level hub configuration.
type Config struct {
	Hub        HubConfig        `yaml:"hub"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Auth       AuthConfig       `yaml:"auth"`
	TimeSync   TimeSyncConfig   `yaml:"time_sync"`
	Session    SessionConfig    `yaml:"session"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	FlashSync  FlashSyncConfig  `yaml:"flash_sync"`
	TLS        TLSConfig        `yaml:"tls"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// HubConfig holds identity and command-channel settings.
type HubConfig struct {
	Name              string `yaml:"name"`
	CommandTimeoutSec int    `yaml:"command_timeout_seconds"` // per-socket op, default 5
	AckTimeoutSec     int    `yaml:"ack_timeout_seconds"`     // broadcast ack read, default 5
}

// DiscoveryConfig holds LAN service discovery settings.
type DiscoveryConfig struct {
	ServiceType      string `yaml:"service_type"` // default "_sensorhub._tcp"
	Domain           string `yaml:"domain"`       // default "local."
	ScanTimeoutSec   int    `yaml:"scan_timeout_seconds"`
	ReconnectDelayMS int    `yaml:"stream_reconnect_delay_ms"` // default 1500
}

// HeartbeatConfig holds liveness monitoring settings.
type HeartbeatConfig struct {
	Port              int `yaml:"port"`                   // UDP listener, default 8082
	TimeoutSec        int `yaml:"timeout_seconds"`        // default 10
	SweepIntervalSec  int `yaml:"sweep_interval_seconds"` // default 3
	MaxMisses         int `yaml:"max_misses"`             // default 3
	BackoffSec        int `yaml:"backoff_seconds"`        // default 5
	MaxReconnAttempts int `yaml:"max_reconnect_attempts"` // default 5
}

// AuthConfig holds challenge-response authentication settings.
// DeviceSecrets values may be "enc:"-prefixed encrypted strings.
type AuthConfig struct {
	ChallengeTimeoutSec int               `yaml:"challenge_timeout_seconds"` // default 30
	TokenLifetimeSec    int               `yaml:"token_lifetime_seconds"`    // default 3600
	TimestampWindowSec  int               `yaml:"timestamp_window_seconds"`  // default 300
	NonceCacheSize      int               `yaml:"nonce_cache_size"`          // default 10000
	DeviceSecrets       map[string]string `yaml:"device_secrets"`
}

// TimeSyncConfig holds clock exchange settings.
type TimeSyncConfig struct {
	Port      int     `yaml:"port"`       // UDP responder, default 8081
	Trials    int     `yaml:"trials"`     // exchanges per device, default 10
	TrimRatio float64 `yaml:"trim_ratio"` // per-tail trim, default 0.1
}

// SessionConfig holds session storage settings.
type SessionConfig struct {
	BaseDir   string `yaml:"base_dir"`   // default "./sessions"
	HistoryDB string `yaml:"history_db"` // sqlite session index; empty disables
}

// AggregatorConfig holds the file receiver settings.
type AggregatorConfig struct {
	ListenAddr     string `yaml:"listen_addr"` // default ":9091"
	AcceptTimeout  int    `yaml:"accept_timeout_ms"`
	ReadTimeoutSec int    `yaml:"read_timeout_seconds"`
}

// FlashSyncConfig holds synchronization validation settings.
type FlashSyncConfig struct {
	Trials      int     `yaml:"trials"`       // default 10
	ToleranceMS float64 `yaml:"tolerance_ms"` // default 5.0
	PassRatio   float64 `yaml:"pass_ratio"`   // default 0.8
}

// TLSConfig holds optional transport security settings shared by the
// command and transfer channels. Minimum version is TLS 1.2.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
	SelfSigned        bool   `yaml:"self_signed"` // generate into CertDir when files missing
	CertDir           string `yaml:"cert_dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Duration accessors. The yaml surface stays integer-seconds to match the
// knobs external tooling already writes.

func (c HubConfig) CommandTimeout() time.Duration { return secs(c.CommandTimeoutSec) }
func (c HubConfig) AckTimeout() time.Duration     { return secs(c.AckTimeoutSec) }

func (c DiscoveryConfig) ScanTimeout() time.Duration { return secs(c.ScanTimeoutSec) }
func (c DiscoveryConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (c HeartbeatConfig) Timeout() time.Duration       { return secs(c.TimeoutSec) }
func (c HeartbeatConfig) SweepInterval() time.Duration { return secs(c.SweepIntervalSec) }
func (c HeartbeatConfig) Backoff() time.Duration       { return secs(c.BackoffSec) }

func (c AuthConfig) ChallengeTimeout() time.Duration { return secs(c.ChallengeTimeoutSec) }
func (c AuthConfig) TokenLifetime() time.Duration    { return secs(c.TokenLifetimeSec) }
func (c AuthConfig) TimestampWindow() time.Duration  { return secs(c.TimestampWindowSec) }

func (c AggregatorConfig) AcceptDeadline() time.Duration {
	return time.Duration(c.AcceptTimeout) * time.Millisecond
}
func (c AggregatorConfig) ReadTimeout() time.Duration { return secs(c.ReadTimeoutSec) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Default returns a Config populated with production defaults.
func Default() Config {
	return Config{
		Hub: HubConfig{Name: "hub", CommandTimeoutSec: 5, AckTimeoutSec: 5},
		Discovery: DiscoveryConfig{
			ServiceType:      "_sensorhub._tcp",
			Domain:           "local.",
			ScanTimeoutSec:   5,
			ReconnectDelayMS: 1500,
		},
		Heartbeat: HeartbeatConfig{
			Port:              8082,
			TimeoutSec:        10,
			SweepIntervalSec:  3,
			MaxMisses:         3,
			BackoffSec:        5,
			MaxReconnAttempts: 5,
		},
		Auth: AuthConfig{
			ChallengeTimeoutSec: 30,
			TokenLifetimeSec:    3600,
			TimestampWindowSec:  300,
			NonceCacheSize:      10000,
		},
		TimeSync:   TimeSyncConfig{Port: 8081, Trials: 10, TrimRatio: 0.1},
		Session:    SessionConfig{BaseDir: "./sessions"},
		Aggregator: AggregatorConfig{ListenAddr: ":9091", AcceptTimeout: 500, ReadTimeoutSec: 30},
		FlashSync:  FlashSyncConfig{Trials: 10, ToleranceMS: 5.0, PassRatio: 0.8},
		Logger:     LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer:     TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

// Load reads, defaults, validates, and decrypts a config file. Missing file
// is an error; an empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := decryptSecrets(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields after unmarshal so partial config
// files remain valid.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Hub.Name == "" {
		cfg.Hub.Name = def.Hub.Name
	}
	if cfg.Hub.CommandTimeoutSec <= 0 {
		cfg.Hub.CommandTimeoutSec = def.Hub.CommandTimeoutSec
	}
	if cfg.Hub.AckTimeoutSec <= 0 {
		cfg.Hub.AckTimeoutSec = def.Hub.AckTimeoutSec
	}
	if cfg.Discovery.ServiceType == "" {
		cfg.Discovery.ServiceType = def.Discovery.ServiceType
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = def.Discovery.Domain
	}
	if cfg.Discovery.ScanTimeoutSec <= 0 {
		cfg.Discovery.ScanTimeoutSec = def.Discovery.ScanTimeoutSec
	}
	if cfg.Discovery.ReconnectDelayMS <= 0 {
		cfg.Discovery.ReconnectDelayMS = def.Discovery.ReconnectDelayMS
	}
	if cfg.Heartbeat.Port <= 0 {
		cfg.Heartbeat.Port = def.Heartbeat.Port
	}
	if cfg.Heartbeat.TimeoutSec <= 0 {
		cfg.Heartbeat.TimeoutSec = def.Heartbeat.TimeoutSec
	}
	if cfg.Heartbeat.SweepIntervalSec <= 0 {
		cfg.Heartbeat.SweepIntervalSec = def.Heartbeat.SweepIntervalSec
	}
	if cfg.Heartbeat.MaxMisses <= 0 {
		cfg.Heartbeat.MaxMisses = def.Heartbeat.MaxMisses
	}
	if cfg.Heartbeat.BackoffSec <= 0 {
		cfg.Heartbeat.BackoffSec = def.Heartbeat.BackoffSec
	}
	if cfg.Heartbeat.MaxReconnAttempts <= 0 {
		cfg.Heartbeat.MaxReconnAttempts = def.Heartbeat.MaxReconnAttempts
	}
	if cfg.Auth.ChallengeTimeoutSec <= 0 {
		cfg.Auth.ChallengeTimeoutSec = def.Auth.ChallengeTimeoutSec
	}
	if cfg.Auth.TokenLifetimeSec <= 0 {
		cfg.Auth.TokenLifetimeSec = def.Auth.TokenLifetimeSec
	}
	if cfg.Auth.TimestampWindowSec <= 0 {
		cfg.Auth.TimestampWindowSec = def.Auth.TimestampWindowSec
	}
	if cfg.Auth.NonceCacheSize <= 0 {
		cfg.Auth.NonceCacheSize = def.Auth.NonceCacheSize
	}
	if cfg.TimeSync.Port <= 0 {
		cfg.TimeSync.Port = def.TimeSync.Port
	}
	if cfg.TimeSync.Trials <= 0 {
		cfg.TimeSync.Trials = def.TimeSync.Trials
	}
	if cfg.TimeSync.TrimRatio <= 0 {
		cfg.TimeSync.TrimRatio = def.TimeSync.TrimRatio
	}
	if cfg.Session.BaseDir == "" {
		cfg.Session.BaseDir = def.Session.BaseDir
	}
	if cfg.Aggregator.ListenAddr == "" {
		cfg.Aggregator.ListenAddr = def.Aggregator.ListenAddr
	}
	if cfg.Aggregator.AcceptTimeout <= 0 {
		cfg.Aggregator.AcceptTimeout = def.Aggregator.AcceptTimeout
	}
	if cfg.Aggregator.ReadTimeoutSec <= 0 {
		cfg.Aggregator.ReadTimeoutSec = def.Aggregator.ReadTimeoutSec
	}
	if cfg.FlashSync.Trials <= 0 {
		cfg.FlashSync.Trials = def.FlashSync.Trials
	}
	if cfg.FlashSync.ToleranceMS <= 0 {
		cfg.FlashSync.ToleranceMS = def.FlashSync.ToleranceMS
	}
	if cfg.FlashSync.PassRatio <= 0 {
		cfg.FlashSync.PassRatio = def.FlashSync.PassRatio
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = def.Logger.Level
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = def.Logger.Format
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = def.Logger.Output
	}
	if cfg.Tracer.Exporter == "" {
		cfg.Tracer.Exporter = def.Tracer.Exporter
	}
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	if c.TimeSync.TrimRatio < 0 || c.TimeSync.TrimRatio > 0.45 {
		return domain.NewDomainError("config.Validate", domain.ErrInvalidInput,
			fmt.Sprintf("time_sync.trim_ratio %.2f outside [0, 0.45]", c.TimeSync.TrimRatio))
	}
	if c.FlashSync.PassRatio <= 0 || c.FlashSync.PassRatio > 1 {
		return domain.NewDomainError("config.Validate", domain.ErrInvalidInput,
			fmt.Sprintf("flash_sync.pass_ratio %.2f outside (0, 1]", c.FlashSync.PassRatio))
	}
	if c.TLS.Enabled && !c.TLS.SelfSigned {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return domain.NewDomainError("config.Validate", domain.ErrTLSConfig,
				"tls enabled but cert_file/key_file missing and self_signed disabled")
		}
	}
	return nil
}

// decryptSecrets replaces "enc:" prefixed device secrets with plaintext.
// The passphrase comes from PassphraseEnv; a missing passphrase with
// encrypted values present is a load error, not a silent no-op.
func decryptSecrets(cfg *Config) error {
	var anyEncrypted bool
	for _, v := range cfg.Auth.DeviceSecrets {
		if strings.HasPrefix(v, "enc:") {
			anyEncrypted = true
			break
		}
	}
	if !anyEncrypted {
		return nil
	}

	passphrase := os.Getenv(PassphraseEnv)
	if passphrase == "" {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad,
			"encrypted device secrets present but "+PassphraseEnv+" is not set")
	}
	for id, v := range cfg.Auth.DeviceSecrets {
		if !strings.HasPrefix(v, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
		if err != nil {
			return domain.NewDomainError("config.Load", domain.ErrConfigLoad,
				fmt.Sprintf("decrypt secret for device %q: %v", id, err))
		}
		cfg.Auth.DeviceSecrets[id] = plain
	}
	return nil
}
