package domain

import "time"

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionRecording SessionState = "recording"
	SessionStopped   SessionState = "stopped"
)

// SessionMetadata describes one bounded recording activity. At most one
// session may be active (state != Stopped) per hub at a time.
type SessionMetadata struct {
	SessionID string       `json:"session_id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	State     SessionState `json:"state"`
	StartTime int64        `json:"start_time_ns,omitempty"`
	EndTime   int64        `json:"end_time_ns,omitempty"`
	Duration  int64        `json:"duration_ns,omitempty"`
	Dir       string       `json:"-"`
}

// Active reports whether the session still holds the single-session slot.
func (m *SessionMetadata) Active() bool {
	return m != nil && m.State != SessionStopped
}
