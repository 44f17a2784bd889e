package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sensorhub/internal/domain"
	"sensorhub/internal/protocol"
)

// previewRateLimit bounds how many preview frames per second per device are
// fanned out to subscribers. Frames over the limit are dropped, not queued:
// a live preview wants the newest frame, never a backlog.
const previewRateLimit = 15

// streamConn is the persistent per-device connection for asynchronous
// events (live previews). It reconnects after a fixed delay on socket
// closure and never blocks command issuance.
type streamConn struct {
	device         domain.DiscoveredDevice
	reconnectDelay time.Duration
	bus            domain.EventBus
	logger         *slog.Logger
	limiter        *rate.Limiter

	mu       sync.Mutex
	conn     net.Conn
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newStreamConn(device domain.DiscoveredDevice, reconnectDelay time.Duration, bus domain.EventBus, logger *slog.Logger) *streamConn {
	return &streamConn{
		device:         device,
		reconnectDelay: reconnectDelay,
		bus:            bus,
		logger:         logger,
		limiter:        rate.NewLimiter(rate.Limit(previewRateLimit), previewRateLimit),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// run is the connection loop: dial, read frames until the socket drops,
// wait the reconnect delay, repeat. Exits when close() fires.
func (s *streamConn) run(ctx context.Context) {
	defer close(s.done)
	addr := net.JoinHostPort(s.device.Address, fmt.Sprint(s.device.Port))

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			s.logger.Debug("stream dial failed", "device", s.device.Name, "error", err)
			if !s.sleep() {
				return
			}
			continue
		}

		s.mu.Lock()
		select {
		case <-s.stop:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info("stream connected", "device", s.device.Name, "addr", addr)
		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if !s.sleep() {
			return
		}
	}
}

// readLoop consumes frames until the connection errors. Legacy bare-line
// JSON is accepted as a fallback when the peer does not length-prefix.
func (s *streamConn) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var dec protocol.Decoder
	buf := make([]byte, 64*1024)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.logger.Debug("stream closed", "device", s.device.Name, "error", err)
			return
		}
		envs := dec.Feed(buf[:n])
		if len(envs) == 0 && len(dec.Buffered()) > 0 {
			// Not length-prefixed. Try the legacy newline-delimited format
			// on whatever is buffered.
			legacy, rest := protocol.DecodeLegacyLines(dec.Buffered())
			if len(legacy) > 0 {
				dec.Reset()
				_ = dec.Feed(rest)
				envs = legacy
			}
		}
		for _, env := range envs {
			s.handleEvent(ctx, env)
		}
	}
}

func (s *streamConn) handleEvent(ctx context.Context, env protocol.Envelope) {
	if env.Type != protocol.TypeEvent {
		return
	}
	switch env.Name {
	case protocol.EventPreviewFrame:
		if !s.limiter.Allow() {
			return
		}
		if s.bus == nil {
			return
		}
		ts, _ := env.IntField("ts")
		payload, _ := json.Marshal(map[string]any{
			"device_id":   env.StringField("device_id"),
			"jpeg_base64": env.StringField("jpeg_base64"),
			"ts":          ts,
		})
		s.bus.Publish(ctx, domain.Event{
			Type:      domain.EventPreviewFrame,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	default:
		s.logger.Debug("unhandled stream event", "device", s.device.Name, "name", env.Name)
	}
}

func (s *streamConn) sleep() bool {
	select {
	case <-s.stop:
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

// close signals the loop and closes the live socket so the blocked read
// unblocks promptly, then waits for the goroutine, bounded to one second.
func (s *streamConn) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.logger.Warn("stream did not stop within 1s", "device", s.device.Name)
	}
}
