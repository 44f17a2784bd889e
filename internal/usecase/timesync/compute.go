// Package timesync implements the hub's NTP-like clock alignment: a
// stateless UDP responder, the client-side two-way exchange, and robust
// trimmed statistics over repeated trials.
package timesync

import (
	"math"
	"sort"

	"sensorhub/internal/domain"
)

// Compute derives clock offset and round-trip delay from one two-way
// exchange: t0 hub send, t1 spoke receive, t2 spoke reply, t3 hub receive.
// Integer nanosecond arithmetic with floor division.
func Compute(t0, t1, t2, t3 int64) (offset, delay int64) {
	offset = floorDiv2((t1 - t0) + (t2 - t3))
	delay = (t3 - t0) - (t2 - t1)
	return offset, delay
}

// floorDiv2 divides by two rounding toward negative infinity. Go's integer
// division truncates toward zero, which would bias negative offsets.
func floorDiv2(v int64) int64 {
	if v < 0 && v%2 != 0 {
		return v/2 - 1
	}
	return v / 2
}

// Trimmed aggregates repeated exchange trials into a robust quality
// estimate: sort offsets, trim round(n*trimRatio) samples from each tail,
// then take the median and population standard deviation of the core.
// trimRatio is clamped to [0, 0.45] and reduced when trimming would consume
// every sample. The reported delay is the minimum observed across all
// trials (best-case RTT). Empty input yields the zero value.
func Trimmed(samples []domain.TimeSyncSample, trimRatio float64) domain.TimeSyncQuality {
	n := len(samples)
	if n == 0 {
		return domain.TimeSyncQuality{}
	}

	if trimRatio < 0 {
		trimRatio = 0
	}
	if trimRatio > 0.45 {
		trimRatio = 0.45
	}
	trim := int(math.Round(float64(n) * trimRatio))
	for trim > 0 && 2*trim >= n {
		trim--
	}

	offsets := make([]int64, n)
	minDelay := samples[0].DelayNS
	for i, s := range samples {
		offsets[i] = s.OffsetNS
		if s.DelayNS < minDelay {
			minDelay = s.DelayNS
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	core := offsets[trim : n-trim]
	return domain.TimeSyncQuality{
		MedianOffsetNS: median(core),
		StdDevNS:       stddev(core),
		MinDelayNS:     minDelay,
		TrialsRetained: len(core),
	}
}

func median(sorted []int64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return floorDiv2(sorted[n/2-1] + sorted[n/2])
}

// stddev is the population standard deviation.
func stddev(vals []int64) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += float64(v)
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range vals {
		d := float64(v) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}
