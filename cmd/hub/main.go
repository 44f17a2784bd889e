package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sensorhub/internal/infra/config"
	"sensorhub/internal/infra/logger"
	"sensorhub/internal/infra/tlsconf"
	"sensorhub/internal/infra/tracer"
	"sensorhub/internal/usecase/aggregator"
	"sensorhub/internal/usecase/auth"
	"sensorhub/internal/usecase/connection"
	"sensorhub/internal/usecase/eventbus"
	"sensorhub/internal/usecase/flashsync"
	"sensorhub/internal/usecase/registry"
	"sensorhub/internal/usecase/session"
	"sensorhub/internal/usecase/timesync"
)

func main() {
	configPath := flag.String("config", "", "path to hub config file")
	validateSync := flag.Bool("validate-sync", false, "run flash-sync validation against connected devices, then exit")
	flag.Parse()

	if err := run(*configPath, *validateSync); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, validateSync bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	serverTLS, err := tlsconf.Server(cfg.TLS)
	if err != nil {
		return err
	}
	clientTLS, err := tlsconf.Client(cfg.TLS)
	if err != nil {
		return err
	}

	// Session manager with optional sqlite history index.
	var history *session.HistoryStore
	if cfg.Session.HistoryDB != "" {
		history, err = session.NewHistoryStore(cfg.Session.HistoryDB)
		if err != nil {
			return err
		}
		defer history.Close()
	}
	sessions := session.NewManager(cfg.Session, bus, history, log)

	// Device registry and connection layer.
	reg := registry.New(cfg.Heartbeat.Timeout(), log)
	offsets := connection.NewOffsetTable(bus)
	disc := connection.NewMDNSDiscoverer(cfg.Discovery, log)
	conns := connection.NewManager(
		cfg.Hub, cfg.Discovery, cfg.TimeSync,
		clientTLS, disc, offsets, reg, bus, log,
	)
	if len(cfg.Auth.DeviceSecrets) > 0 {
		conns.SetAuthenticator(auth.NewManager(cfg.Auth, log))
	}
	conns.Start(ctx)
	defer conns.Stop()

	// Heartbeat sweep with reconnection through the connection layer, plus
	// session rejoin for spokes that return mid-recording.
	monitor := registry.NewMonitor(reg, cfg.Heartbeat, bus, conns, log)
	monitor.OnOnline(func(deviceID string) {
		if meta := sessions.Current(); meta != nil {
			if err := conns.RejoinSession(ctx, deviceID, meta.SessionID); err != nil {
				log.Warn("session rejoin failed", "device_id", deviceID, "error", err)
			}
		}
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	// Heartbeat ingestion.
	heartbeats := registry.NewListener(reg, bus, log)
	if err := heartbeats.Start(cfg.Heartbeat.Port); err != nil {
		return err
	}
	defer heartbeats.Stop()

	// UDP time responder.
	responder := timesync.NewResponder(log)
	if err := responder.Start(cfg.TimeSync.Port); err != nil {
		return err
	}
	defer responder.Stop()

	// File receiver.
	receiver := aggregator.NewServer(cfg.Aggregator, sessions, serverTLS, bus, log)
	if err := receiver.Start(); err != nil {
		return err
	}
	defer receiver.Stop()

	// Advertise the hub and run an initial discovery pass.
	go func() {
		if err := disc.Advertise(ctx, cfg.Hub.Name, cfg.TimeSync.Port, map[string]string{"role": "hub"}); err != nil {
			log.Error("mdns advertise failed", "error", err)
		}
	}()
	if err := conns.Refresh(ctx); err != nil {
		log.Warn("initial discovery failed", "error", err)
	}

	if validateSync {
		return runSyncValidation(ctx, cfg.FlashSync, conns, log)
	}

	log.Info("hub running",
		"devices", len(conns.Devices()),
		"time_sync_port", cfg.TimeSync.Port,
		"receiver", cfg.Aggregator.ListenAddr,
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// runSyncValidation fires flash trials against every connected spoke and
// reports the aggregate. With no spokes connected it falls back to the
// validator's simulated dry run against a placeholder device.
func runSyncValidation(ctx context.Context, cfg config.FlashSyncConfig, conns *connection.Manager, log *slog.Logger) error {
	var devices []string
	for _, dev := range conns.Devices() {
		devices = append(devices, dev.Name)
	}

	var validator *flashsync.Validator
	if len(devices) == 0 {
		log.Warn("no spokes connected, running simulated validation")
		devices = []string{"simulated"}
		validator = flashsync.NewValidator(cfg, nil, log)
	} else {
		validator = flashsync.NewValidator(cfg, &flashsync.ConnectionBroadcaster{Conn: conns}, log)
	}

	result, err := validator.Run(ctx, devices)
	if err != nil {
		return err
	}
	log.Info("flash-sync validation finished",
		"devices", result.DevicesTested,
		"trials", len(result.FlashEvents),
		"overall_accuracy_ms", result.OverallAccuracyMS,
		"max_deviation_ms", result.MaxDeviationMS,
		"passed", result.ValidationPassed,
		"specification_met", result.SpecificationMet,
	)
	if !result.ValidationPassed {
		return fmt.Errorf("synchronization validation failed: max deviation %.2fms", result.MaxDeviationMS)
	}
	return nil
}
