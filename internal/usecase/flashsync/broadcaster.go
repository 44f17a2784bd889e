package flashsync

import (
	"context"

	"sensorhub/internal/usecase/connection"
)

// ConnectionBroadcaster adapts the connection manager's flash broadcast to
// the Broadcaster interface.
type ConnectionBroadcaster struct {
	Conn *connection.Manager
}

// TriggerFlash broadcasts one flash command and collects detected-flash
// timestamps from the acks. Devices outside the requested set are ignored;
// requested devices that did not ack map to nil.
func (b *ConnectionBroadcaster) TriggerFlash(ctx context.Context, devices []string) (int64, map[string]*int64, error) {
	trigger, results, err := b.Conn.FlashSync(ctx)
	if err != nil {
		return 0, nil, err
	}

	wanted := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		wanted[d] = struct{}{}
	}

	responses := make(map[string]*int64, len(devices))
	for _, res := range results {
		if _, ok := wanted[res.DeviceID]; !ok {
			continue
		}
		if res.OK {
			responses[res.DeviceID] = res.Detected
		}
	}
	return trigger, responses, nil
}
