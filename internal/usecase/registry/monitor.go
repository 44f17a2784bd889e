package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

// Reconnector attempts to re-establish contact with an offline device.
// The connection manager satisfies this.
type Reconnector interface {
	Reconnect(ctx context.Context, deviceID string) error
}

// Monitor runs the periodic liveness sweep. A device flips to Offline only
// after MaxMisses consecutive sweep misses (hysteresis against a single
// dropped packet); callbacks fire exactly once per edge.
type Monitor struct {
	registry    *Registry
	cfg         config.HeartbeatConfig
	bus         domain.EventBus
	reconnector Reconnector
	logger      *slog.Logger

	mu        sync.Mutex
	onOffline []func(deviceID string)
	onOnline  []func(deviceID string)
	healthy   map[string]bool // edge detection state, keyed by device ID

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a heartbeat monitor over the registry. bus and
// reconnector may be nil.
func NewMonitor(reg *Registry, cfg config.HeartbeatConfig, bus domain.EventBus, rec Reconnector, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry:    reg,
		cfg:         cfg,
		bus:         bus,
		reconnector: rec,
		logger:      logger,
		healthy:     make(map[string]bool),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// OnOffline registers a callback fired once per Online->Offline edge.
func (m *Monitor) OnOffline(fn func(deviceID string)) {
	m.mu.Lock()
	m.onOffline = append(m.onOffline, fn)
	m.mu.Unlock()
}

// OnOnline registers a callback fired once per Offline->Online edge.
func (m *Monitor) OnOnline(fn func(deviceID string)) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// Start launches the sweep goroutine. Stop terminates it.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.SweepInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep(ctx, time.Now())
			}
		}
	}()
}

// Stop terminates the sweep and waits for the goroutine to exit, bounded
// to one second.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-time.After(time.Second):
		m.logger.Warn("heartbeat monitor did not stop within 1s")
	}
}

// Sweep evaluates every device once. Exported so tests and operators can
// drive it with a virtual clock instead of waiting on the ticker.
//
// Edge detection runs against the monitor's own healthy map rather than the
// registry status field, because a heartbeat restores Online in the registry
// before the sweep ever sees the transition.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) {
	alive := make(map[string]bool)

	m.registry.mu.Lock()
	for id, d := range m.registry.devices {
		missed := now.Sub(d.LastHeartbeat) > m.cfg.Timeout()
		if missed {
			d.ConsecutiveMisses++
			if d.ConsecutiveMisses >= m.cfg.MaxMisses && d.Status == domain.DeviceStatusOnline {
				d.Status = domain.DeviceStatusOffline
			}
		} else {
			d.ConsecutiveMisses = 0
			if d.Status == domain.DeviceStatusOffline {
				d.Status = domain.DeviceStatusOnline
				d.ReconnectionAttempts = 0
			}
		}
		alive[id] = d.Status == domain.DeviceStatusOnline
	}
	m.registry.mu.Unlock()

	var wentOffline, wentOnline []string
	m.mu.Lock()
	for id, up := range alive {
		prev, seen := m.healthy[id]
		m.healthy[id] = up
		if !seen {
			continue // first observation, not an edge
		}
		switch {
		case prev && !up:
			wentOffline = append(wentOffline, id)
		case !prev && up:
			wentOnline = append(wentOnline, id)
		}
	}
	for id := range m.healthy {
		if _, ok := alive[id]; !ok {
			delete(m.healthy, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(wentOffline)
	sort.Strings(wentOnline)

	for _, id := range wentOffline {
		m.logger.Warn("device offline", "device_id", id)
		m.emit(ctx, domain.EventDeviceOffline, id)
		m.fire(m.offlineCallbacks(), id)
	}
	for _, id := range wentOnline {
		m.logger.Info("device online", "device_id", id)
		m.emit(ctx, domain.EventDeviceOnline, id)
		m.fire(m.onlineCallbacks(), id)
	}

	m.attemptReconnects(ctx, now)
}

// attemptReconnects throttles reconnection per device: the next attempt is
// allowed only after attempts*backoff has elapsed since the previous one,
// and stops entirely past the attempt cap. The device stays registered.
func (m *Monitor) attemptReconnects(ctx context.Context, now time.Time) {
	if m.reconnector == nil {
		return
	}

	var due []string
	m.registry.mu.Lock()
	for id, d := range m.registry.devices {
		if d.Status != domain.DeviceStatusOffline {
			continue
		}
		if d.ReconnectionAttempts >= m.cfg.MaxReconnAttempts {
			continue
		}
		wait := time.Duration(d.ReconnectionAttempts) * m.cfg.Backoff()
		if now.Sub(d.LastReconnectAttempt) < wait {
			continue
		}
		d.ReconnectionAttempts++
		d.LastReconnectAttempt = now
		due = append(due, id)
	}
	m.registry.mu.Unlock()

	for _, id := range due {
		if err := m.reconnector.Reconnect(ctx, id); err != nil {
			m.logger.Debug("reconnect attempt failed", "device_id", id, "error", err)
		}
	}
}

func (m *Monitor) offlineCallbacks() []func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([](func(string))(nil), m.onOffline...)
}

func (m *Monitor) onlineCallbacks() []func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([](func(string))(nil), m.onOnline...)
}

func (m *Monitor) fire(fns []func(string), deviceID string) {
	for _, fn := range fns {
		fn(deviceID)
	}
}

func (m *Monitor) emit(ctx context.Context, t domain.EventType, deviceID string) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"device_id": deviceID})
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}

// BackoffSchedule returns the geometric backoff sequence starting at base:
// base, 2*base, 4*base, ... for n attempts. No jitter.
func BackoffSchedule(base int64, n int) []int64 {
	out := make([]int64, 0, n)
	d := base
	for i := 0; i < n; i++ {
		out = append(out, d)
		d *= 2
	}
	return out
}
