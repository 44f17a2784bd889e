package spokesdk

import (
	"log/slog"
	"time"
)

// Option configures a Spoke.
type Option func(*Spoke)

// WithHub sets the hub command-channel address.
func WithHub(addr string) Option {
	return func(s *Spoke) { s.hubAddr = addr }
}

// WithSecret sets the shared device secret used to answer auth challenges.
func WithSecret(secret string) Option {
	return func(s *Spoke) { s.secret = secret }
}

// WithModel sets the hardware model reported in heartbeat metadata.
func WithModel(model string) Option {
	return func(s *Spoke) { s.model = model }
}

// WithPlatform sets the platform identifier (e.g., "linux/arm64").
func WithPlatform(platform string) Option {
	return func(s *Spoke) { s.platform = platform }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spoke) { s.logger = logger }
}

// WithHeartbeatInterval sets how often SendHeartbeats emits a datagram.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Spoke) { s.hbEvery = d }
}
