package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"sensorhub/internal/domain"
)

// Listener is the UDP ingestion point for spoke heartbeats. One datagram is
// one heartbeat; garbage datagrams are dropped without a log line each.
type Listener struct {
	registry *Registry
	bus      domain.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *net.UDPConn
	done     chan struct{}
	stopOnce sync.Once
}

// NewListener creates a heartbeat listener feeding the registry. bus may
// be nil.
func NewListener(reg *Registry, bus domain.EventBus, logger *slog.Logger) *Listener {
	return &Listener{
		registry: reg,
		bus:      bus,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start binds the UDP port and launches the receive loop.
func (l *Listener) Start(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return domain.WrapOp("Heartbeat.Listen", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.logger.Info("heartbeat listener ready", "port", port)
	go l.serve(conn)
	return nil
}

func (l *Listener) serve(conn *net.UDPConn) {
	defer close(l.done)
	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("heartbeat read error", "error", err)
			continue
		}

		hb, ok := ParseHeartbeat(buf[:n])
		if !ok {
			continue
		}
		l.registry.UpdateHeartbeat(hb.DeviceID, time.Now())
		if hb.Metadata != nil {
			l.registry.Register(hb.DeviceID, hb.Metadata)
		}
		l.emit(hb)
	}
}

func (l *Listener) emit(hb *domain.Heartbeat) {
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	l.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventDeviceHeartbeat,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Stop closes the socket so the blocked read unblocks, then waits for the
// loop to exit, bounded to one second.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.mu.Unlock()
	})
	select {
	case <-l.done:
	case <-time.After(time.Second):
		l.logger.Warn("heartbeat listener did not stop within 1s")
	}
}

// Addr returns the bound address, useful when port 0 was requested.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}
