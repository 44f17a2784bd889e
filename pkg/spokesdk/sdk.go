// Package spokesdk provides a client toolkit for building sensorhub spokes.
//
// A spoke registers command handlers that the hub invokes over the framed
// command channel. The SDK handles framing, dispatch, ack/error replies,
// heartbeat emission, and challenge signing; the handlers themselves carry
// the device-specific recording logic.
//
// Example:
//
//	spoke := spokesdk.New("cam-rear",
//	    spokesdk.WithModel("rpi-cam-v3"),
//	    spokesdk.WithHub("hub.local:8080"),
//	    spokesdk.WithSecret(secret),
//	)
//	spoke.Handle(protocol.CmdStartRecording, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
//	    return nil, camera.Start(payload["session_id"].(string))
//	})
//	err := spoke.Connect(ctx)
package spokesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"sensorhub/internal/domain"
	"sensorhub/internal/protocol"
	"sensorhub/internal/usecase/auth"
)

// HandlerFunc processes one hub command. The returned fields are merged
// into the ack payload; a non-nil error turns the reply into an error
// envelope instead.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Spoke is a hub-facing device client.
type Spoke struct {
	mu        sync.RWMutex
	id        string
	model     string
	platform  string
	hubAddr   string
	secret    string
	hbEvery   time.Duration
	handlers  map[string]HandlerFunc
	logger    *slog.Logger
	now       func() time.Time
	monotonic func() int64
}

// New creates a Spoke with the given device ID.
func New(id string, opts ...Option) *Spoke {
	s := &Spoke{
		id:        id,
		platform:  "unknown",
		hbEvery:   2 * time.Second,
		handlers:  make(map[string]HandlerFunc),
		logger:    slog.Default(),
		now:       time.Now,
		monotonic: func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the spoke's device identifier.
func (s *Spoke) ID() string { return s.id }

// Handle registers a handler for a hub command.
func (s *Spoke) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = h
	s.mu.Unlock()
	s.logger.Debug("handler registered", "command", command)
}

// Commands returns the registered command names, sorted.
func (s *Spoke) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch answers one decoded envelope. Commands run their registered
// handler; time_sync is answered built-in when no handler overrides it.
// Non-command envelopes produce no reply.
func (s *Spoke) Dispatch(ctx context.Context, env protocol.Envelope) (protocol.Envelope, bool) {
	if env.Type != protocol.TypeCommand {
		return protocol.Envelope{}, false
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Command]
	s.mu.RUnlock()

	if !ok {
		switch env.Command {
		case protocol.CmdTimeSync:
			return s.answerTimeSync(env), true
		case protocol.CmdAuthChallenge:
			return s.answerChallenge(env), true
		}
		return protocol.NewError(env.ID, "unknown_command", fmt.Sprintf("command %q not supported", env.Command)), true
	}

	fields, err := h(ctx, env.Payload)
	if err != nil {
		s.logger.Warn("handler failed", "command", env.Command, "error", err)
		return protocol.NewError(env.ID, "handler_error", err.Error()), true
	}
	ack := protocol.NewAck(env.ID, "ok")
	for k, v := range fields {
		ack.Payload[k] = v
	}
	return ack, true
}

// answerTimeSync echoes the request with receive and reply timestamps in
// the same string-encoded nanosecond form the hub sends t0 in.
func (s *Spoke) answerTimeSync(env protocol.Envelope) protocol.Envelope {
	t1 := s.monotonic()
	ack := protocol.NewAck(env.ID, "ok")
	if t0, ok := env.Field("t0"); ok {
		ack.Payload["t0"] = t0
	}
	if seq, ok := env.Field("seq"); ok {
		ack.Payload["seq"] = seq
	}
	ack.Payload["t1"] = fmt.Sprintf("%d", t1)
	ack.Payload["t2"] = fmt.Sprintf("%d", s.monotonic())
	return ack
}

// answerChallenge signs a hub auth challenge with the configured secret.
func (s *Spoke) answerChallenge(env protocol.Envelope) protocol.Envelope {
	if s.secret == "" {
		return protocol.NewError(env.ID, "no_secret", "device has no secret configured")
	}
	resp := s.SignChallenge(domain.AuthChallenge{
		Challenge: env.StringField("challenge"),
		Nonce:     env.StringField("nonce"),
	})
	ack := protocol.NewAck(env.ID, "ok")
	ack.Payload["signature"] = resp.Signature
	ack.Payload["nonce"] = resp.Nonce
	ack.Payload["timestamp"] = resp.Timestamp
	return ack
}

// Serve runs the framed command loop on conn until the context ends, the
// peer closes, or a write fails. The caller owns the connection.
func (s *Spoke) Serve(ctx context.Context, conn net.Conn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, env := range dec.Feed(buf[:n]) {
				reply, ok := s.Dispatch(ctx, env)
				if !ok {
					continue
				}
				frame, ferr := protocol.Encode(reply)
				if ferr != nil {
					return ferr
				}
				if _, werr := conn.Write(frame); werr != nil {
					return fmt.Errorf("write reply: %w", werr)
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Connect dials the hub command channel and serves until the context ends.
func (s *Spoke) Connect(ctx context.Context) error {
	if s.hubAddr == "" {
		return fmt.Errorf("no hub address configured")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.hubAddr)
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", s.hubAddr, err)
	}
	defer conn.Close()
	s.logger.Info("connected to hub", "addr", s.hubAddr)
	return s.Serve(ctx, conn)
}

// SignChallenge answers a hub auth challenge with the device secret.
func (s *Spoke) SignChallenge(ch domain.AuthChallenge) domain.AuthResponse {
	ts := s.now().Unix()
	return domain.AuthResponse{
		Signature: auth.Signature(s.secret, ch.Challenge, ch.Nonce, ts),
		Nonce:     ch.Nonce,
		Timestamp: ts,
	}
}

// Heartbeat builds one liveness datagram for this spoke.
func (s *Spoke) Heartbeat() domain.Heartbeat {
	meta := map[string]string{"platform": s.platform}
	if s.model != "" {
		meta["model"] = s.model
	}
	return domain.Heartbeat{
		V:         protocol.Version,
		Type:      "heartbeat",
		DeviceID:  s.id,
		Timestamp: s.now().UnixNano(),
		Metadata:  meta,
	}
}

// SendHeartbeats emits heartbeat datagrams to addr at the configured
// interval until the context ends. One is sent immediately on entry.
func (s *Spoke) SendHeartbeats(ctx context.Context, addr string) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial heartbeat %s: %w", addr, err)
	}
	defer conn.Close()

	tick := time.NewTicker(s.hbEvery)
	defer tick.Stop()
	for {
		data, err := json.Marshal(s.Heartbeat())
		if err != nil {
			return err
		}
		if _, err := conn.Write(data); err != nil {
			s.logger.Warn("heartbeat send failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
