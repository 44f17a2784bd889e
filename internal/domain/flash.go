package domain

import "math"

// FlashEvent records one coordinated flash trial across devices. Immutable
// once computed.
type FlashEvent struct {
	EventID          string             `json:"event_id"`
	TriggerTimestamp int64              `json:"trigger_timestamp_ns"`
	DeviceResponses  map[string]*int64  `json:"device_responses"` // nil = no response
	SyncAccuracyMS   map[string]float64 `json:"sync_accuracy_ms"` // +Inf = no response
	ValidationPassed bool               `json:"validation_passed"`
}

// SyncValidationResult aggregates a run of flash trials into an overall
// synchronization quality verdict.
type SyncValidationResult struct {
	FlashEvents       []FlashEvent `json:"flash_events"`
	OverallAccuracyMS float64      `json:"overall_accuracy_ms"`
	MaxDeviationMS    float64      `json:"max_deviation_ms"`
	DevicesTested     []string     `json:"devices_tested"`
	ValidationPassed  bool         `json:"validation_passed"`
	SpecificationMet  bool         `json:"specification_met"`
}

// NoResponseDeviation is the accuracy recorded for a device that never
// reported a detected flash.
var NoResponseDeviation = math.Inf(1)
