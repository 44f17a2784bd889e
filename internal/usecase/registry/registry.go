// Package registry tracks known devices and their heartbeat-derived
// liveness. The registry is a single-mutex keyed map; the heartbeat monitor
// in this package layers miss-counting hysteresis and reconnection backoff
// on top of it.
package registry

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sensorhub/internal/domain"
)

// Registry is the authoritative device table. Status is never set without
// a heartbeat or an explicit timeout decision.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*domain.DeviceInfo
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a registry with the given heartbeat timeout.
func New(timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*domain.DeviceInfo),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a device, or refreshes metadata if it already exists.
// Registration counts as contact: the device comes up Online.
func (r *Registry) Register(deviceID string, metadata map[string]string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		r.devices[deviceID] = &domain.DeviceInfo{
			DeviceID:      deviceID,
			FirstSeen:     now,
			LastHeartbeat: now,
			Status:        domain.DeviceStatusOnline,
			Metadata:      metadata,
		}
		r.logger.Info("device registered", "device_id", deviceID)
		return
	}
	d.LastHeartbeat = now
	d.Status = domain.DeviceStatusOnline
	d.ConsecutiveMisses = 0
	d.ReconnectionAttempts = 0
	if metadata != nil {
		d.Metadata = metadata
	}
}

// UpdateHeartbeat records a liveness signal, auto-registering unknown
// devices. A heartbeat always restores Online and clears miss and
// reconnection counters.
func (r *Registry) UpdateHeartbeat(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		r.devices[deviceID] = &domain.DeviceInfo{
			DeviceID:      deviceID,
			FirstSeen:     at,
			LastHeartbeat: at,
			Status:        domain.DeviceStatusOnline,
		}
		r.logger.Info("device auto-registered from heartbeat", "device_id", deviceID)
		return
	}
	d.LastHeartbeat = at
	d.Status = domain.DeviceStatusOnline
	d.ConsecutiveMisses = 0
	d.ReconnectionAttempts = 0
}

// GetStatus returns a copy of the device record.
func (r *Registry) GetStatus(deviceID string) (*domain.DeviceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, domain.NewDomainError("Registry.GetStatus", domain.ErrDeviceNotFound, deviceID)
	}
	out := *d
	return &out, nil
}

// List returns copies of all device records sorted by device ID.
func (r *Registry) List() []domain.DeviceInfo {
	r.mu.Lock()
	out := make([]domain.DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Remove drops a device from the table.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

// CheckTimeouts applies the timeout invariant at a single instant: a device
// is Offline iff now minus its last heartbeat exceeds the timeout. Returns
// the IDs that flipped Online->Offline in this call.
func (r *Registry) CheckTimeouts(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flipped []string
	for id, d := range r.devices {
		if now.Sub(d.LastHeartbeat) > r.timeout {
			if d.Status == domain.DeviceStatusOnline {
				d.Status = domain.DeviceStatusOffline
				flipped = append(flipped, id)
			}
		}
	}
	sort.Strings(flipped)
	return flipped
}

// ParseHeartbeat decodes a heartbeat datagram. Malformed JSON, a missing
// device ID, or any non-heartbeat type returns (nil, false) rather than an
// error: one garbage packet is not worth a log line per occurrence.
func ParseHeartbeat(data []byte) (*domain.Heartbeat, bool) {
	var hb domain.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, false
	}
	if hb.Type != "heartbeat" || hb.DeviceID == "" {
		return nil, false
	}
	return &hb, true
}
