package connection

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEntryToDevice(t *testing.T) {
	entry := zeroconf.NewServiceEntry("cam-1", "_sensorhub._tcp", "local.")
	entry.Port = 9000
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.40")}

	dev, ok := entryToDevice(entry)
	if !ok {
		t.Fatal("resolved entry rejected")
	}
	if dev.Name != "cam-1" || dev.Address != "192.168.1.40" || dev.Port != 9000 {
		t.Errorf("device = %+v", dev)
	}
}

func TestEntryToDevicePrefersIPv4(t *testing.T) {
	entry := zeroconf.NewServiceEntry("cam-1", "_sensorhub._tcp", "local.")
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.40")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	dev, ok := entryToDevice(entry)
	if !ok || dev.Address != "192.168.1.40" {
		t.Errorf("device = %+v, ok = %v", dev, ok)
	}
}

func TestEntryToDeviceIPv6Fallback(t *testing.T) {
	entry := zeroconf.NewServiceEntry("cam-1", "_sensorhub._tcp", "local.")
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	dev, ok := entryToDevice(entry)
	if !ok || dev.Address != "fe80::1" {
		t.Errorf("device = %+v, ok = %v", dev, ok)
	}
}

func TestEntryToDeviceUnresolvedRejected(t *testing.T) {
	entry := zeroconf.NewServiceEntry("cam-1", "_sensorhub._tcp", "local.")
	if _, ok := entryToDevice(entry); ok {
		t.Error("entry without addresses accepted")
	}
}
