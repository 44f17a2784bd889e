package domain

import (
	"context"
	"time"
)

// DeviceStatus represents the liveness state of a spoke.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// DiscoveredDevice is the identity of a reachable spoke as seen by LAN
// discovery. Instances are replaced (not mutated) on re-resolution.
type DiscoveredDevice struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// DeviceInfo tracks liveness bookkeeping for one registered spoke.
// Status is derived: a device is Offline iff the age of its last heartbeat
// exceeded the configured timeout at the moment of the last sweep.
type DeviceInfo struct {
	DeviceID             string            `json:"device_id"`
	FirstSeen            time.Time         `json:"first_seen"`
	LastHeartbeat        time.Time         `json:"last_heartbeat"`
	Status               DeviceStatus      `json:"status"`
	ConsecutiveMisses    int               `json:"consecutive_misses"`
	ReconnectionAttempts int               `json:"reconnection_attempts"`
	LastReconnectAttempt time.Time         `json:"last_reconnect_attempt"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Heartbeat is the wire form of a spoke liveness signal.
type Heartbeat struct {
	V         int               `json:"v"`
	Type      string            `json:"type"`
	DeviceID  string            `json:"device_id"`
	Timestamp int64             `json:"timestamp_ns"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DeviceRegistry tracks known devices and their heartbeat-derived status.
type DeviceRegistry interface {
	Register(deviceID string, metadata map[string]string)
	UpdateHeartbeat(deviceID string, at time.Time)
	GetStatus(deviceID string) (*DeviceInfo, error)
	List() []DeviceInfo
	CheckTimeouts(now time.Time) []string
}

// DeviceDiscoverer browses and advertises hub services on the local network.
type DeviceDiscoverer interface {
	Scan(ctx context.Context) ([]DiscoveredDevice, error)
	Advertise(ctx context.Context, name string, port int, metadata map[string]string) error
}
