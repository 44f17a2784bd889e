// Package aggregator receives per-device archive uploads and unpacks them
// into the session directory tree. It is a one-shot sink: files are
// received once and handed off to external export tooling.
package aggregator

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
	"sensorhub/internal/infra/tracer"
)

const progressChunk = 64 * 1024

// DirResolver maps a session ID to its directory. The session manager
// satisfies this.
type DirResolver interface {
	SessionDir(sessionID string) string
}

// transferHeader is the single JSON line a spoke sends before the raw
// archive bytes.
type transferHeader struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size,omitempty"` // 0 = read until close
}

// Server accepts archive uploads. The accept loop uses a short deadline so
// a stop signal is observed promptly; closing the listener is the primary
// cancellation mechanism for any blocked accept.
type Server struct {
	cfg     config.AggregatorConfig
	dirs    DirResolver
	tlsConf *tls.Config
	bus     domain.EventBus
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	connWG   sync.WaitGroup
}

// NewServer creates a file receiver. tlsConf may be nil for plaintext.
func NewServer(cfg config.AggregatorConfig, dirs DirResolver, tlsConf *tls.Config, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		dirs:    dirs,
		tlsConf: tlsConf,
		bus:     bus,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return domain.WrapOp("Aggregator.Start", err)
	}
	if s.tlsConf != nil {
		ln = tls.NewListener(ln, s.tlsConf)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("file receiver listening", "addr", ln.Addr().String(), "tls", s.tlsConf != nil)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener so the blocked accept unblocks, then waits for
// in-flight uploads, bounded to one second.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(finished)
	}()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.logger.Warn("file receiver accept loop did not stop within 1s")
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		s.logger.Warn("file receiver uploads still draining after 1s")
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.done)
	for {
		if tcp, ok := ln.(*net.TCPListener); ok {
			tcp.SetDeadline(time.Now().Add(s.cfg.AcceptDeadline()))
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handle(conn)
		}()
	}
}

// handle services one upload. Every failure closes the connection and
// leaves the server accepting; nothing partial is ever surfaced as success.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	ctx, span := tracer.StartSpan(context.Background(), "aggregator.receive")
	defer span.End()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		s.logger.Warn("transfer header read failed", "peer", conn.RemoteAddr().String(), "error", err)
		tracer.RecordError(span, err)
		return
	}

	var hdr transferHeader
	if err := json.Unmarshal(line, &hdr); err != nil || hdr.SessionID == "" || hdr.DeviceID == "" || hdr.Filename == "" {
		s.logger.Warn("malformed transfer header", "peer", conn.RemoteAddr().String())
		tracer.RecordError(span, domain.ErrTransferHeader)
		return
	}
	if !safeName(hdr.DeviceID) || !safeName(hdr.Filename) || !safeName(hdr.SessionID) {
		s.logger.Warn("transfer header contains path elements",
			"session_id", hdr.SessionID, "device_id", hdr.DeviceID, "filename", hdr.Filename)
		tracer.RecordError(span, domain.ErrTransferHeader)
		return
	}
	span.SetAttributes(
		tracer.StringAttr("session_id", hdr.SessionID),
		tracer.StringAttr("device_id", hdr.DeviceID),
	)

	destDir := filepath.Join(s.dirs.SessionDir(hdr.SessionID), hdr.DeviceID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		s.logger.Error("create device dir failed", "dir", destDir, "error", err)
		tracer.RecordError(span, err)
		return
	}
	archivePath := filepath.Join(destDir, hdr.Filename)

	received, err := s.receiveBody(conn, reader, archivePath, hdr)
	if err != nil {
		s.logger.Warn("transfer aborted",
			"device_id", hdr.DeviceID, "received", received, "error", err)
		os.Remove(archivePath)
		tracer.RecordError(span, err)
		return
	}
	s.logger.Info("archive received",
		"session_id", hdr.SessionID, "device_id", hdr.DeviceID,
		"filename", hdr.Filename, "bytes", received,
	)

	if err := Unpack(archivePath, destDir); err != nil {
		// Unpack failure is logged but never takes the server down; the
		// archive stays on disk for manual recovery.
		s.logger.Error("unpack failed", "archive", archivePath, "error", err)
		tracer.RecordError(span, err)
		return
	}
	if err := os.Remove(archivePath); err != nil {
		s.logger.Warn("remove archive failed", "archive", archivePath, "error", err)
	}

	s.emitProgress(ctx, hdr, received, received, true)
	tracer.SetOK(span)
}

// receiveBody streams the archive to disk, emitting a progress event after
// each chunk. With a declared size it reads exactly that many bytes;
// without one it reads until the peer closes.
func (s *Server) receiveBody(conn net.Conn, r io.Reader, path string, hdr transferHeader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, domain.WrapOp("Aggregator.receive", err)
	}
	defer f.Close()

	total := hdr.Size
	if total == 0 {
		total = -1 // unknown
	}

	var received int64
	buf := make([]byte, progressChunk)
	for {
		want := int64(len(buf))
		if total > 0 {
			remaining := total - received
			if remaining == 0 {
				break
			}
			if remaining < want {
				want = remaining
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return received, domain.WrapOp("Aggregator.receive", werr)
			}
			received += int64(n)
			s.emitProgress(context.Background(), hdr, received, total, false)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total > 0 && received < total {
					return received, domain.NewDomainError("Aggregator.receive", domain.ErrTransferHeader,
						"short read: peer closed before declared size")
				}
				break
			}
			return received, domain.WrapOp("Aggregator.receive", err)
		}
	}
	return received, f.Sync()
}

func (s *Server) emitProgress(ctx context.Context, hdr transferHeader, received, total int64, complete bool) {
	if s.bus == nil {
		return
	}
	t := domain.EventTransferProgress
	if complete {
		t = domain.EventTransferComplete
	}
	payload, _ := json.Marshal(map[string]any{
		"session_id":     hdr.SessionID,
		"device_id":      hdr.DeviceID,
		"filename":       hdr.Filename,
		"bytes_received": received,
		"total":          total,
	})
	s.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}

// safeName rejects header values that would escape the session tree.
func safeName(v string) bool {
	if v == "" || v == "." || v == ".." {
		return false
	}
	return !strings.ContainsAny(v, "/\\")
}
