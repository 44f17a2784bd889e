package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sensorhub/internal/domain"
)

// OffsetTable is the clock-offset map: device name -> estimated offset in
// nanoseconds, last-writer-wins. Downstream consumers use it to correct
// device timestamps; the table itself never interprets the values.
type OffsetTable struct {
	mu      sync.Mutex
	offsets map[string]int64
	bus     domain.EventBus
}

// NewOffsetTable creates an empty table. bus may be nil.
func NewOffsetTable(bus domain.EventBus) *OffsetTable {
	return &OffsetTable{offsets: make(map[string]int64), bus: bus}
}

// Set records the latest offset for a device.
func (t *OffsetTable) Set(ctx context.Context, device string, offsetNS int64) {
	t.mu.Lock()
	t.offsets[device] = offsetNS
	t.mu.Unlock()

	if t.bus != nil {
		payload, _ := json.Marshal(map[string]any{"device": device, "offset_ns": offsetNS})
		t.bus.Publish(ctx, domain.Event{
			Type:      domain.EventClockOffsetUpdated,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}

// Get returns the last recorded offset for a device.
func (t *OffsetTable) Get(device string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.offsets[device]
	return v, ok
}

// Snapshot returns a copy of the whole table.
func (t *OffsetTable) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.offsets))
	for k, v := range t.offsets {
		out[k] = v
	}
	return out
}
