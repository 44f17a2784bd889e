package domain

// TimeSyncSample is one completed two-way clock exchange with a device.
type TimeSyncSample struct {
	OffsetNS int64 `json:"offset_ns"`
	DelayNS  int64 `json:"delay_ns"`
}

// TimeSyncQuality summarizes repeated exchange trials with robust statistics:
// tails are trimmed before taking the median and population stddev.
type TimeSyncQuality struct {
	MedianOffsetNS int64   `json:"median_offset_ns"`
	StdDevNS       float64 `json:"std_dev_ns"`
	MinDelayNS     int64   `json:"min_delay_ns"`
	TrialsRetained int     `json:"trials_retained"`
}
