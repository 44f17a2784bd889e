package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

// MDNSDiscoverer browses and advertises the hub service on the local
// network via mDNS/DNS-SD.
type MDNSDiscoverer struct {
	cfg    config.DiscoveryConfig
	logger *slog.Logger
}

// NewMDNSDiscoverer creates a discoverer for the configured service type.
func NewMDNSDiscoverer(cfg config.DiscoveryConfig, logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{cfg: cfg, logger: logger}
}

// Scan browses for spoke services on the local network for the configured
// scan window and returns everything that resolved.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]domain.DiscoveredDevice, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var devices []domain.DiscoveredDevice
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout())
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			dev, ok := entryToDevice(entry)
			if !ok {
				continue
			}
			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
			d.logger.Debug("mdns discovered device", "name", dev.Name, "address", dev.Address, "port", dev.Port)
		}
	}()

	if err := resolver.Browse(scanCtx, d.cfg.ServiceType, d.cfg.Domain, entries); err != nil {
		cancel()
		// Wait for consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]domain.DiscoveredDevice, len(devices))
	copy(result, devices)
	mu.Unlock()

	return result, nil
}

// Advertise registers the hub on the local network so spokes can find it.
// Blocks until ctx is cancelled; call it in a goroutine.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(name, d.cfg.ServiceType, d.cfg.Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "name", name, "service", d.cfg.ServiceType, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToDevice(entry *zeroconf.ServiceEntry) (domain.DiscoveredDevice, bool) {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		address = entry.AddrIPv6[0].String()
	} else {
		return domain.DiscoveredDevice{}, false
	}
	return domain.DiscoveredDevice{
		Name:    entry.ServiceRecord.Instance,
		Address: address,
		Port:    entry.Port,
	}, true
}
