package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
	"sensorhub/internal/protocol"
	"sensorhub/internal/usecase/auth"
	"sensorhub/internal/usecase/eventbus"
)

func connLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSpoke is a minimal device endpoint: it acks every command it reads
// and leaves idle connections (the hub's streaming channel) open.
type fakeSpoke struct {
	ln         net.Listener
	detectedTS int64  // nonzero: include detected_ts in flash acks
	refuse     bool   // respond with an error envelope instead of an ack
	secret     string // nonempty: sign auth_challenge commands

	mu       sync.Mutex
	commands []protocol.Envelope
}

func newFakeSpoke(t *testing.T) *fakeSpoke {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSpoke{ln: ln}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSpoke) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSpoke) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeSpoke) serve(conn net.Conn) {
	defer conn.Close()
	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, env := range dec.Feed(buf[:n]) {
			if env.Type != protocol.TypeCommand {
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, env)
			s.mu.Unlock()

			var reply protocol.Envelope
			if s.refuse {
				reply = protocol.NewError(env.ID, "E_BUSY", "spoke busy")
			} else {
				reply = protocol.NewAck(env.ID, "ok")
				if env.Command == protocol.CmdFlashSync && s.detectedTS != 0 {
					reply.Payload["detected_ts"] = strconv.FormatInt(s.detectedTS, 10)
				}
				if env.Command == protocol.CmdAuthChallenge && s.secret != "" {
					ts := time.Now().Unix()
					reply.Payload["signature"] = auth.Signature(
						s.secret, env.StringField("challenge"), env.StringField("nonce"), ts)
					reply.Payload["nonce"] = env.StringField("nonce")
					reply.Payload["timestamp"] = ts
				}
			}
			frame, _ := protocol.Encode(reply)
			conn.Write(frame)
		}
	}
}

func (s *fakeSpoke) received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.commands...)
}

func testManager(t *testing.T, bus domain.EventBus) *Manager {
	t.Helper()
	m := NewManager(
		config.HubConfig{Name: "hub-test", CommandTimeoutSec: 2, AckTimeoutSec: 2},
		config.DiscoveryConfig{ServiceType: "_sensorhub._tcp", Domain: "local.", ScanTimeoutSec: 1, ReconnectDelayMS: 200},
		config.TimeSyncConfig{Port: 1, Trials: 1, TrimRatio: 0.1},
		nil, nil,
		NewOffsetTable(bus),
		nil, bus,
		connLogger(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	t.Cleanup(m.Stop)
	return m
}

func addSpoke(t *testing.T, m *Manager, name string, s *fakeSpoke) {
	t.Helper()
	m.AddDevice(context.Background(), domain.DiscoveredDevice{
		Name: name, Address: "127.0.0.1", Port: s.port(),
	})
}

func TestBroadcastStopRecording(t *testing.T) {
	m := testManager(t, nil)
	spokeA := newFakeSpoke(t)
	spokeB := newFakeSpoke(t)
	addSpoke(t, m, "cam-a", spokeA)
	addSpoke(t, m, "cam-b", spokeB)

	results, err := m.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// Deterministic device order.
	if results[0].DeviceID != "cam-a" || results[1].DeviceID != "cam-b" {
		t.Errorf("order = %s, %s", results[0].DeviceID, results[1].DeviceID)
	}
	for _, r := range results {
		if !r.OK || r.Status != "ok" {
			t.Errorf("%s: OK=%v status=%q err=%v", r.DeviceID, r.OK, r.Status, r.Err)
		}
	}

	cmds := spokeA.received()
	if len(cmds) != 1 || cmds[0].Command != protocol.CmdStopRecording {
		t.Errorf("spoke a received %+v", cmds)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	m := testManager(t, nil)
	good := newFakeSpoke(t)
	addSpoke(t, m, "cam-good", good)

	// A device whose port nobody listens on.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := dead.Addr().(*net.TCPAddr).Port
	dead.Close()
	m.AddDevice(context.Background(), domain.DiscoveredDevice{
		Name: "cam-dead", Address: "127.0.0.1", Port: deadPort,
	})

	results, err := m.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	byID := map[string]BroadcastResult{}
	for _, r := range results {
		byID[r.DeviceID] = r
	}
	if byID["cam-dead"].OK {
		t.Error("dead device reported OK")
	}
	if !errors.Is(byID["cam-dead"].Err, domain.ErrDeviceUnreachable) {
		t.Errorf("dead device err = %v, want ErrDeviceUnreachable", byID["cam-dead"].Err)
	}
	// The failure never aborts the rest of the fleet.
	if !byID["cam-good"].OK {
		t.Errorf("good device failed: %v", byID["cam-good"].Err)
	}
}

func TestFlashSyncCollectsDetections(t *testing.T) {
	m := testManager(t, nil)
	spoke := newFakeSpoke(t)
	spoke.detectedTS = 1_717_243_200_000_000_123
	addSpoke(t, m, "cam-1", spoke)

	trigger, results, err := m.FlashSync(context.Background())
	if err != nil {
		t.Fatalf("FlashSync: %v", err)
	}
	if trigger == 0 {
		t.Error("trigger timestamp missing")
	}
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Detected == nil || *results[0].Detected != spoke.detectedTS {
		t.Errorf("detected = %v, want %d", results[0].Detected, spoke.detectedTS)
	}
}

func TestErrorAckSurfacesAsFailure(t *testing.T) {
	m := testManager(t, nil)
	spoke := newFakeSpoke(t)
	spoke.refuse = true
	addSpoke(t, m, "cam-1", spoke)

	results, err := m.StopRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].OK {
		t.Error("error ack reported OK")
	}
	if !errors.Is(results[0].Err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", results[0].Err)
	}
}

func TestRejoinSession(t *testing.T) {
	m := testManager(t, nil)
	spoke := newFakeSpoke(t)
	addSpoke(t, m, "cam-1", spoke)

	if err := m.RejoinSession(context.Background(), "cam-1", "1717230000_run"); err != nil {
		t.Fatalf("RejoinSession: %v", err)
	}
	cmds := spoke.received()
	if len(cmds) != 1 || cmds[0].Command != protocol.CmdRejoinSession {
		t.Fatalf("spoke received %+v", cmds)
	}
	if cmds[0].StringField("session_id") != "1717230000_run" {
		t.Errorf("session_id = %q", cmds[0].StringField("session_id"))
	}

	if err := m.RejoinSession(context.Background(), "cam-9", "s"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("unknown device err = %v, want ErrDeviceNotFound", err)
	}
}

func TestRemoveDeviceForgets(t *testing.T) {
	m := testManager(t, nil)
	spoke := newFakeSpoke(t)
	addSpoke(t, m, "cam-1", spoke)

	if got := len(m.Devices()); got != 1 {
		t.Fatalf("devices = %d, want 1", got)
	}
	m.RemoveDevice(context.Background(), "cam-1")
	if got := len(m.Devices()); got != 0 {
		t.Fatalf("devices after remove = %d, want 0", got)
	}

	if results, err := m.StopRecording(context.Background()); err != nil || len(results) != 0 {
		t.Fatalf("broadcast after remove: %v, %+v", err, results)
	}
}

func TestBreakerTripsOnRepeatedFailure(t *testing.T) {
	m := testManager(t, nil)

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := dead.Addr().(*net.TCPAddr).Port
	dead.Close()
	m.AddDevice(context.Background(), domain.DiscoveredDevice{
		Name: "cam-dead", Address: "127.0.0.1", Port: deadPort,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.StopRecording(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// Breaker now open: the next broadcast fails fast without dialing.
	start := time.Now()
	results, err := m.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].OK {
		t.Error("open breaker reported OK")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("open breaker still dialing, broadcast took %v", elapsed)
	}
}

func TestOffsetTable(t *testing.T) {
	table := NewOffsetTable(nil)
	if _, ok := table.Get("cam-1"); ok {
		t.Fatal("empty table returned a value")
	}
	table.Set(context.Background(), "cam-1", 250)
	table.Set(context.Background(), "cam-1", -40) // last writer wins
	if v, ok := table.Get("cam-1"); !ok || v != -40 {
		t.Fatalf("Get = %d, %v", v, ok)
	}
	snap := table.Snapshot()
	snap["cam-1"] = 999
	if v, _ := table.Get("cam-1"); v != -40 {
		t.Error("Snapshot returned a live reference")
	}
}

func TestStreamPublishesPreviewFrames(t *testing.T) {
	bus := eventbus.New(connLogger())
	defer bus.Close()

	var mu sync.Mutex
	var got []domain.Event
	bus.Subscribe(domain.EventPreviewFrame, func(_ context.Context, ev domain.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, _ := protocol.Encode(protocol.PreviewFrame("cam-1", "aGVsbG8=", 123))
		conn.Write(frame)
		time.Sleep(500 * time.Millisecond)
	}()

	dev := domain.DiscoveredDevice{Name: "cam-1", Address: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	sc := newStreamConn(dev, 200*time.Millisecond, bus, connLogger())
	go sc.run(context.Background())
	defer sc.close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no preview frame event observed")
}
