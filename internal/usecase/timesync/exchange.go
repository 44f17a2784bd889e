package timesync

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"sensorhub/internal/domain"
)

const exchangeTimeout = 2 * time.Second

// Exchange runs trials two-way exchanges against a spoke's UDP time port
// and returns one sample per completed round trip. The responder stamps a
// single timestamp, so t1 == t2: server processing time is treated as zero,
// matching the stateless echo design. Timed-out trials are dropped; it is
// an error only if every trial fails.
func Exchange(ctx context.Context, addr string, trials int, logger *slog.Logger) ([]domain.TimeSyncSample, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, domain.WrapOp("TimeSync.Exchange", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, domain.WrapOp("TimeSync.Exchange", err)
	}
	defer conn.Close()

	if trials <= 0 {
		trials = 1
	}

	buf := make([]byte, 64)
	samples := make([]domain.TimeSyncSample, 0, trials)
	for i := 0; i < trials; i++ {
		if ctx.Err() != nil {
			break
		}

		deadline := time.Now().Add(exchangeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetDeadline(deadline)

		t0 := time.Now().UnixNano()
		if _, err := conn.Write([]byte("sync")); err != nil {
			logger.Debug("time sync send failed", "addr", addr, "trial", i, "error", err)
			continue
		}
		n, err := conn.Read(buf)
		t3 := time.Now().UnixNano()
		if err != nil {
			logger.Debug("time sync trial timed out", "addr", addr, "trial", i)
			continue
		}

		ts, err := strconv.ParseInt(string(buf[:n]), 10, 64)
		if err != nil {
			logger.Debug("time sync bad reply", "addr", addr, "trial", i)
			continue
		}

		offset, delay := Compute(t0, ts, ts, t3)
		samples = append(samples, domain.TimeSyncSample{OffsetNS: offset, DelayNS: delay})
	}

	if len(samples) == 0 {
		return nil, domain.NewDomainError("TimeSync.Exchange", domain.ErrTimeout,
			"no trials completed against "+addr)
	}
	return samples, nil
}
