// Package session owns the recording-session state machine. It is the one
// authority for "is a session active": at most one session may be in a
// non-Stopped state at a time.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
	"sensorhub/internal/infra/tracer"
)

const metadataFile = "metadata.json"

// Manager drives sessions Idle -> Created -> Recording -> Stopped and
// persists metadata on every transition, so a crash leaves the last
// consistent state on disk. history may be nil.
type Manager struct {
	mu      sync.Mutex
	cfg     config.SessionConfig
	bus     domain.EventBus
	history *HistoryStore
	logger  *slog.Logger
	current *domain.SessionMetadata
	now     func() time.Time
}

// NewManager creates a session manager rooted at cfg.BaseDir.
func NewManager(cfg config.SessionConfig, bus domain.EventBus, history *HistoryStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateSession allocates a new session and its directory. Fails with
// ErrSessionActive while another session holds the single-session slot.
func (m *Manager) CreateSession(ctx context.Context, name string) (*domain.SessionMetadata, error) {
	ctx, span := tracer.StartSpan(ctx, "session.create")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Active() {
		err := domain.NewDomainError("Session.Create", domain.ErrSessionActive, m.current.SessionID)
		tracer.RecordError(span, err)
		return nil, err
	}

	now := m.now()
	id := strconv.FormatInt(now.Unix(), 10) + "_" + sanitizeName(name)
	dir := filepath.Join(m.cfg.BaseDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Session.Create", err)
	}

	meta := &domain.SessionMetadata{
		SessionID: id,
		Name:      name,
		CreatedAt: now,
		State:     domain.SessionCreated,
		Dir:       dir,
	}
	if err := m.persistLocked(ctx, meta); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	m.current = meta
	m.logger.Info("session created", "session_id", id)
	m.emit(ctx, domain.EventSessionCreated, meta)
	tracer.SetOK(span)

	out := *meta
	return &out, nil
}

// StartRecording moves the active session to Recording. Fails with
// ErrSessionNone when no session exists; idempotent if already Recording.
func (m *Manager) StartRecording(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "session.start")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		err := domain.NewDomainError("Session.StartRecording", domain.ErrSessionNone, "")
		tracer.RecordError(span, err)
		return err
	}
	if m.current.State == domain.SessionRecording {
		tracer.SetOK(span)
		return nil
	}
	if m.current.State == domain.SessionStopped {
		err := domain.NewDomainError("Session.StartRecording", domain.ErrSessionNone, "session already stopped")
		tracer.RecordError(span, err)
		return err
	}

	m.current.State = domain.SessionRecording
	m.current.StartTime = m.now().UnixNano()
	if err := m.persistLocked(ctx, m.current); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	m.logger.Info("recording started", "session_id", m.current.SessionID)
	m.emit(ctx, domain.EventSessionStarted, m.current)
	tracer.SetOK(span)
	return nil
}

// StopRecording ends the active session. A no-op when no session exists or
// it is already Stopped. Duration is clamped to >= 0 against clock steps.
func (m *Manager) StopRecording(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "session.stop")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.State == domain.SessionStopped {
		tracer.SetOK(span)
		return nil
	}

	if m.current.State == domain.SessionRecording {
		m.current.EndTime = m.now().UnixNano()
		dur := m.current.EndTime - m.current.StartTime
		if dur < 0 {
			dur = 0
		}
		m.current.Duration = dur
	}
	m.current.State = domain.SessionStopped
	if err := m.persistLocked(ctx, m.current); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	m.logger.Info("session stopped",
		"session_id", m.current.SessionID,
		"duration_ns", m.current.Duration,
	)
	m.emit(ctx, domain.EventSessionStopped, m.current)
	tracer.SetOK(span)
	return nil
}

// Current returns a copy of the active session, or nil when none is active.
func (m *Manager) Current() *domain.SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.Active() {
		return nil
	}
	out := *m.current
	return &out
}

// SessionDir returns the directory of the named session under BaseDir.
// Used by the aggregator for its device/file layout.
func (m *Manager) SessionDir(sessionID string) string {
	return filepath.Join(m.cfg.BaseDir, sessionID)
}

// persistLocked writes metadata atomically (temp file + rename) and mirrors
// the transition into the history index.
func (m *Manager) persistLocked(ctx context.Context, meta *domain.SessionMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return domain.WrapOp("Session.persist", err)
	}
	path := filepath.Join(meta.Dir, metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return domain.WrapOp("Session.persist", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.WrapOp("Session.persist", err)
	}

	if m.history != nil {
		if err := m.history.Record(ctx, meta); err != nil {
			// The on-disk metadata is the source of truth; a history miss
			// is logged, not fatal.
			m.logger.Warn("session history write failed", "session_id", meta.SessionID, "error", err)
		}
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, t domain.EventType, meta *domain.SessionMetadata) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"session_id": meta.SessionID,
		"state":      string(meta.State),
	})
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}

// sanitizeName keeps session directory names shell- and filesystem-safe.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
