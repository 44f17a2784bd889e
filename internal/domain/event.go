package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventDeviceDiscovered EventType = "device.discovered"
	EventDeviceLost       EventType = "device.lost"
	EventDeviceOnline     EventType = "device.online"
	EventDeviceOffline    EventType = "device.offline"
	EventDeviceHeartbeat  EventType = "device.heartbeat"

	EventDeviceAuthenticated EventType = "device.authenticated"
	EventDeviceAuthFailed    EventType = "device.auth_failed"

	EventSessionCreated EventType = "session.created"
	EventSessionStarted EventType = "session.started"
	EventSessionStopped EventType = "session.stopped"

	EventBroadcastSent   EventType = "broadcast.sent"
	EventBroadcastFailed EventType = "broadcast.failed"

	EventClockOffsetUpdated EventType = "clock.offset.updated"
	EventFlashTriggered     EventType = "flash.triggered"

	EventPreviewFrame     EventType = "preview.frame"
	EventTransferProgress EventType = "transfer.progress"
	EventTransferComplete EventType = "transfer.complete"
)

// Event is a single publishable occurrence with a JSON payload.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes one event. Handlers must not block indefinitely.
type EventHandler func(ctx context.Context, event Event)

// EventBus fans events out to subscribers. Device online/offline events are
// edge-triggered by their producers: at most one per status transition.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
}
