package timesync

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Responder is the hub-side UDP time server. It is deliberately stateless:
// any datagram in, current timestamp in ASCII decimal nanoseconds out. No
// parsing of the request payload keeps the turnaround jitter minimal.
type Responder struct {
	logger *slog.Logger
	now    func() int64

	mu       sync.Mutex
	conn     *net.UDPConn
	done     chan struct{}
	stopOnce sync.Once
}

// NewResponder creates a UDP responder. The clock defaults to the system
// wall clock in nanoseconds.
func NewResponder(logger *slog.Logger) *Responder {
	return &Responder{
		logger: logger,
		now:    func() int64 { return time.Now().UnixNano() },
		done:   make(chan struct{}),
	}
}

// Start binds the UDP port and launches the reply loop.
func (r *Responder) Start(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.logger.Info("time sync responder listening", "port", port)
	go r.serve(conn)
	return nil
}

func (r *Responder) serve(conn *net.UDPConn) {
	defer close(r.done)
	buf := make([]byte, 512)
	for {
		_, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug("time sync read error", "error", err)
			continue
		}
		reply := strconv.AppendInt(nil, r.now(), 10)
		if _, err := conn.WriteToUDP(reply, addr); err != nil {
			r.logger.Debug("time sync write error", "peer", addr.String(), "error", err)
		}
	}
}

// Stop closes the socket first so the blocked read unblocks, then waits for
// the loop to exit, bounded to one second.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		r.mu.Unlock()
	})
	select {
	case <-r.done:
	case <-time.After(time.Second):
		r.logger.Warn("time sync responder did not stop within 1s")
	}
}

// Addr returns the bound address, useful when port 0 was requested.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}
