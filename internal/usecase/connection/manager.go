// Package connection owns device discovery and the hub's two channels to
// every spoke: short-lived command connections (optionally TLS) and one
// persistent streaming connection per device for asynchronous events.
package connection

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
	"sensorhub/internal/infra/tracer"
	"sensorhub/internal/protocol"
	"sensorhub/internal/usecase/timesync"
)

// Breaker thresholds for the per-device command channel.
const (
	breakerMaxFailures uint32 = 3
	breakerTimeout            = 30 * time.Second
)

// BroadcastResult is the per-device outcome of one broadcast.
type BroadcastResult struct {
	DeviceID string
	OK       bool
	Status   string
	Detected *int64 // flash_sync acks carry the detected timestamp
	Err      error
}

type deviceEntry struct {
	device  domain.DiscoveredDevice
	stream  *streamConn
	breaker *gobreaker.CircuitBreaker[protocol.Envelope]
}

type broadcastJob struct {
	ctx     context.Context
	command string
	build   func(id int64, dev domain.DiscoveredDevice) protocol.Envelope
	prepare func(ctx context.Context, dev domain.DiscoveredDevice) // runs before send, e.g. time sync
	reply   chan []BroadcastResult
}

// Manager tracks discovered devices and issues commands to them. Broadcasts
// run sequentially on a dedicated worker; a slow or failed device never
// aborts the rest of the fleet.
type Manager struct {
	hubCfg   config.HubConfig
	discCfg  config.DiscoveryConfig
	syncCfg  config.TimeSyncConfig
	tlsConf  *tls.Config // nil = plaintext command channel
	disc     *MDNSDiscoverer
	offsets  *OffsetTable
	registry domain.DeviceRegistry
	bus      domain.EventBus
	auth     Authenticator // nil = handshake disabled
	logger   *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceEntry

	msgID    atomic.Int64
	jobs     chan broadcastJob
	runCtx   context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
	started  atomic.Bool
}

// NewManager creates a connection manager. registry and bus may be nil;
// tlsConf nil means plaintext command connections.
func NewManager(
	hubCfg config.HubConfig,
	discCfg config.DiscoveryConfig,
	syncCfg config.TimeSyncConfig,
	tlsConf *tls.Config,
	disc *MDNSDiscoverer,
	offsets *OffsetTable,
	registry domain.DeviceRegistry,
	bus domain.EventBus,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		hubCfg:   hubCfg,
		discCfg:  discCfg,
		syncCfg:  syncCfg,
		tlsConf:  tlsConf,
		disc:     disc,
		offsets:  offsets,
		registry: registry,
		bus:      bus,
		logger:   logger,
		devices:  make(map[string]*deviceEntry),
		jobs:     make(chan broadcastJob),
	}
}

// Start launches the broadcast worker. Advertise and periodic discovery are
// driven by the caller.
func (m *Manager) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.workerWG.Add(1)
	go m.broadcastWorker()
}

// Stop closes every streaming connection first so blocked reads unblock,
// then stops the broadcast worker.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.mu.Lock()
	entries := make([]*deviceEntry, 0, len(m.devices))
	for _, e := range m.devices {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.stream.close()
	}

	m.cancel()
	m.workerWG.Wait()
}

// Refresh scans the LAN and reconciles the device set: new devices are
// added, re-resolved ones replaced, and devices absent from a completed
// scan are removed (discovery-loss).
func (m *Manager) Refresh(ctx context.Context) error {
	found, err := m.disc.Scan(ctx)
	if err != nil {
		return domain.WrapOp("Connection.Refresh", err)
	}

	seen := make(map[string]struct{}, len(found))
	for _, dev := range found {
		seen[dev.Name] = struct{}{}
		m.AddDevice(ctx, dev)
	}

	m.mu.Lock()
	var lost []string
	for name := range m.devices {
		if _, ok := seen[name]; !ok {
			lost = append(lost, name)
		}
	}
	m.mu.Unlock()

	for _, name := range lost {
		m.RemoveDevice(ctx, name)
	}
	return nil
}

// AddDevice registers a discovered device and immediately opens its
// streaming connection. A re-resolved device (same name, new address)
// replaces the old entry and its stream.
func (m *Manager) AddDevice(ctx context.Context, dev domain.DiscoveredDevice) {
	m.mu.Lock()
	if old, ok := m.devices[dev.Name]; ok {
		if old.device == dev {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		old.stream.close()
		m.mu.Lock()
	}

	entry := &deviceEntry{
		device:  dev,
		stream:  newStreamConn(dev, m.discCfg.ReconnectDelay(), m.bus, m.logger),
		breaker: m.newBreaker(dev.Name),
	}
	m.devices[dev.Name] = entry
	m.mu.Unlock()

	go entry.stream.run(m.streamCtx(ctx))
	if m.auth != nil {
		go m.runHandshake(ctx, entry)
	}

	if m.registry != nil {
		m.registry.Register(dev.Name, map[string]string{"address": dev.Address})
	}
	m.emit(ctx, domain.EventDeviceDiscovered, map[string]any{
		"name": dev.Name, "address": dev.Address, "port": dev.Port,
	})
	m.logger.Info("device added", "name", dev.Name, "address", dev.Address, "port", dev.Port)
}

// RemoveDevice closes the device's streaming connection and forgets it.
func (m *Manager) RemoveDevice(ctx context.Context, name string) {
	m.mu.Lock()
	entry, ok := m.devices[name]
	if ok {
		delete(m.devices, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.stream.close()
	m.emit(ctx, domain.EventDeviceLost, map[string]any{"name": name})
	m.logger.Info("device removed", "name", name)
}

// Devices returns the known device identities sorted by name.
func (m *Manager) Devices() []domain.DiscoveredDevice {
	m.mu.Lock()
	out := make([]domain.DiscoveredDevice, 0, len(m.devices))
	for _, e := range m.devices {
		out = append(out, e.device)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reconnect satisfies the heartbeat monitor's reconnection hook: probe the
// device's command channel with query_capabilities.
func (m *Manager) Reconnect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Connection.Reconnect", domain.ErrDeviceNotFound, deviceID)
	}
	_, err := m.sendWithBreaker(ctx, entry, protocol.QueryCapabilities(m.nextID()))
	return err
}

// Broadcast queues a command to every known device on the dedicated worker
// and waits for the per-device results. Devices are visited sequentially;
// one failure is logged and reported, never aborts the rest.
func (m *Manager) Broadcast(
	ctx context.Context,
	command string,
	build func(id int64, dev domain.DiscoveredDevice) protocol.Envelope,
	prepare func(ctx context.Context, dev domain.DiscoveredDevice),
) ([]BroadcastResult, error) {
	if !m.started.Load() {
		return nil, domain.NewDomainError("Connection.Broadcast", domain.ErrInvalidInput, "manager not started")
	}
	job := broadcastJob{
		ctx:     ctx,
		command: command,
		build:   build,
		prepare: prepare,
		reply:   make(chan []BroadcastResult, 1),
	}
	select {
	case m.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.runCtx.Done():
		return nil, m.runCtx.Err()
	}
	select {
	case results := <-job.reply:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartRecording broadcasts start_recording. A time-sync exchange runs
// against each device immediately before its command is sent and the
// offset is cached in the clock-offset table.
func (m *Manager) StartRecording(ctx context.Context, sessionID string) ([]BroadcastResult, error) {
	return m.Broadcast(ctx, protocol.CmdStartRecording,
		func(id int64, _ domain.DiscoveredDevice) protocol.Envelope {
			return protocol.StartRecording(id, sessionID)
		},
		m.syncDeviceClock,
	)
}

// StopRecording broadcasts stop_recording.
func (m *Manager) StopRecording(ctx context.Context) ([]BroadcastResult, error) {
	return m.Broadcast(ctx, protocol.CmdStopRecording,
		func(id int64, _ domain.DiscoveredDevice) protocol.Envelope {
			return protocol.StopRecording(id)
		}, nil)
}

// FlashSync broadcasts flash_sync and records the hub-side trigger time.
// Acks carrying a "detected_ts" field populate BroadcastResult.Detected.
func (m *Manager) FlashSync(ctx context.Context) (int64, []BroadcastResult, error) {
	trigger := time.Now().UnixNano()
	results, err := m.Broadcast(ctx, protocol.CmdFlashSync,
		func(id int64, _ domain.DiscoveredDevice) protocol.Envelope {
			return protocol.FlashSync(id)
		}, nil)
	if err != nil {
		return 0, nil, err
	}
	m.emit(ctx, domain.EventFlashTriggered, map[string]any{"trigger_ns": trigger})
	return trigger, results, nil
}

// TransferFiles directs every device to upload its session archive to the
// aggregator at host:port.
func (m *Manager) TransferFiles(ctx context.Context, host string, port int, sessionID string) ([]BroadcastResult, error) {
	return m.Broadcast(ctx, protocol.CmdTransferFiles,
		func(id int64, _ domain.DiscoveredDevice) protocol.Envelope {
			return protocol.TransferFiles(id, host, port, sessionID)
		}, nil)
}

// RejoinSession re-announces the active session to a single device, used
// after an offline device comes back mid-session.
func (m *Manager) RejoinSession(ctx context.Context, deviceID, sessionID string) error {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Connection.RejoinSession", domain.ErrDeviceNotFound, deviceID)
	}
	_, err := m.sendWithBreaker(ctx, entry, protocol.RejoinSession(m.nextID(), sessionID))
	return err
}

// ClockOffsets exposes the offset table for downstream consumers.
func (m *Manager) ClockOffsets() *OffsetTable { return m.offsets }

func (m *Manager) broadcastWorker() {
	defer m.workerWG.Done()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case job := <-m.jobs:
			job.reply <- m.runBroadcast(job)
		}
	}
}

func (m *Manager) runBroadcast(job broadcastJob) []BroadcastResult {
	ctx, span := tracer.StartSpan(job.ctx, "connection.broadcast")
	span.SetAttributes(tracer.StringAttr("command", job.command))
	defer span.End()

	m.mu.Lock()
	entries := make([]*deviceEntry, 0, len(m.devices))
	for _, e := range m.devices {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].device.Name < entries[j].device.Name })

	results := make([]BroadcastResult, 0, len(entries))
	failed := 0
	for _, entry := range entries {
		if job.prepare != nil {
			job.prepare(ctx, entry.device)
		}

		env := job.build(m.nextID(), entry.device)
		ack, err := m.sendWithBreaker(ctx, entry, env)
		res := BroadcastResult{DeviceID: entry.device.Name}
		if err != nil {
			res.Err = err
			failed++
			m.logger.Warn("broadcast to device failed",
				"command", job.command, "device", entry.device.Name, "error", err)
			m.emit(ctx, domain.EventBroadcastFailed, map[string]any{
				"command": job.command, "device": entry.device.Name, "error": err.Error(),
			})
		} else {
			res.OK = true
			res.Status = ack.StringField("status")
			if ts, ok := ack.IntField("detected_ts"); ok {
				res.Detected = &ts
			}
		}
		results = append(results, res)
	}

	span.SetAttributes(tracer.IntAttr("devices", len(results)), tracer.IntAttr("failed", failed))
	tracer.SetOK(span)
	m.emit(ctx, domain.EventBroadcastSent, map[string]any{
		"command": job.command, "devices": len(results), "failed": failed,
	})
	return results
}

// sendWithBreaker routes one command through the device's circuit breaker
// so a repeatedly failing device fails fast instead of eating the ack
// timeout on every broadcast.
func (m *Manager) sendWithBreaker(ctx context.Context, entry *deviceEntry, env protocol.Envelope) (protocol.Envelope, error) {
	return entry.breaker.Execute(func() (protocol.Envelope, error) {
		return m.sendCommand(ctx, entry.device, env)
	})
}

// sendCommand opens a short-lived command connection, sends one frame, and
// reads one matching ack with a bounded deadline. TLS wrap failure is a
// hard error for this operation only.
func (m *Manager) sendCommand(ctx context.Context, dev domain.DiscoveredDevice, env protocol.Envelope) (protocol.Envelope, error) {
	addr := net.JoinHostPort(dev.Address, fmt.Sprint(dev.Port))
	dialer := &net.Dialer{Timeout: m.hubCfg.CommandTimeout()}

	var conn net.Conn
	var err error
	if m.tlsConf != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, m.tlsConf)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return protocol.Envelope{}, domain.NewDomainError("Connection.send", domain.ErrDeviceUnreachable,
			fmt.Sprintf("%s: %v", dev.Name, err))
	}
	defer conn.Close()

	frame, err := protocol.Encode(env)
	if err != nil {
		return protocol.Envelope{}, domain.WrapOp("Connection.send", err)
	}

	deadline := time.Now().Add(m.hubCfg.AckTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(frame); err != nil {
		return protocol.Envelope{}, domain.NewDomainError("Connection.send", domain.ErrDeviceUnreachable,
			fmt.Sprintf("%s: write: %v", dev.Name, err))
	}

	var dec protocol.Decoder
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return protocol.Envelope{}, domain.NewDomainError("Connection.send", domain.ErrTimeout,
				fmt.Sprintf("%s: waiting for ack: %v", dev.Name, err))
		}
		envs := dec.Feed(buf[:n])
		if len(envs) == 0 && len(dec.Buffered()) > 0 {
			legacy, rest := protocol.DecodeLegacyLines(dec.Buffered())
			if len(legacy) > 0 {
				dec.Reset()
				_ = dec.Feed(rest)
				envs = legacy
			}
		}
		for _, got := range envs {
			if got.AckID != env.ID {
				continue
			}
			if got.Type == protocol.TypeError {
				return got, domain.NewDomainError("Connection.send", domain.ErrInvalidInput,
					fmt.Sprintf("%s: %s: %s", dev.Name, got.Code, got.Message))
			}
			return got, nil
		}
	}
}

// syncDeviceClock runs the UDP time exchange against one device and caches
// the trimmed median offset.
func (m *Manager) syncDeviceClock(ctx context.Context, dev domain.DiscoveredDevice) {
	addr := net.JoinHostPort(dev.Address, fmt.Sprint(m.syncCfg.Port))
	samples, err := timesync.Exchange(ctx, addr, m.syncCfg.Trials, m.logger)
	if err != nil {
		m.logger.Warn("time sync failed before start", "device", dev.Name, "error", err)
		return
	}
	q := timesync.Trimmed(samples, m.syncCfg.TrimRatio)
	m.offsets.Set(ctx, dev.Name, q.MedianOffsetNS)
	m.logger.Debug("clock offset cached",
		"device", dev.Name,
		"offset_ns", q.MedianOffsetNS,
		"stddev_ns", q.StdDevNS,
		"min_delay_ns", q.MinDelayNS,
	)
}

func (m *Manager) newBreaker(name string) *gobreaker.CircuitBreaker[protocol.Envelope] {
	return gobreaker.NewCircuitBreaker[protocol.Envelope](gobreaker.Settings{
		Name:        "cmd:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("command breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (m *Manager) streamCtx(ctx context.Context) context.Context {
	if m.runCtx != nil {
		return m.runCtx
	}
	return ctx
}

func (m *Manager) nextID() int64 {
	return m.msgID.Add(1)
}

func (m *Manager) emit(ctx context.Context, t domain.EventType, fields map[string]any) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		m.logger.Error("failed to marshal event payload", "event", string(t), "error", err)
		return
	}
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}
