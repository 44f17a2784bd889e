// Package flashsync measures achieved cross-device timing accuracy by
// broadcasting coordinated flash events and comparing each device's
// detected timestamp against the trigger.
package flashsync

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

// Broadcaster triggers one flash across the fleet and reports each
// device's detected-flash timestamp (nil for no response). The connection
// manager satisfies this through a thin adapter.
type Broadcaster interface {
	TriggerFlash(ctx context.Context, devices []string) (triggerNS int64, responses map[string]*int64, err error)
}

// simulatedJitterMS bounds the per-device jitter of the dry-run simulator.
const simulatedJitterMS = 2.0

// Validator runs repeated flash trials and evaluates them against a target
// tolerance. With a nil Broadcaster it simulates device responses, which
// keeps dry runs working without live hardware.
type Validator struct {
	cfg    config.FlashSyncConfig
	b      Broadcaster
	logger *slog.Logger
	rng    *rand.Rand
	now    func() time.Time
}

// NewValidator creates a validator. b may be nil for simulated dry runs.
func NewValidator(cfg config.FlashSyncConfig, b Broadcaster, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		b:      b,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Run executes the configured number of flash trials against devices and
// aggregates them. The result carries both a strict criterion (max
// deviation within tolerance) and a practical one (enough individual
// trials passed).
func (v *Validator) Run(ctx context.Context, devices []string) (*domain.SyncValidationResult, error) {
	if len(devices) == 0 {
		return nil, domain.NewDomainError("FlashSync.Run", domain.ErrInvalidInput, "no devices to test")
	}

	result := &domain.SyncValidationResult{
		DevicesTested: append([]string(nil), devices...),
	}

	passed := 0
	for i := 0; i < v.cfg.Trials; i++ {
		if ctx.Err() != nil {
			return nil, domain.WrapOp("FlashSync.Run", ctx.Err())
		}

		event, err := v.trial(ctx, devices)
		if err != nil {
			return nil, err
		}
		if event.ValidationPassed {
			passed++
		}
		result.FlashEvents = append(result.FlashEvents, *event)
		v.logger.Debug("flash trial complete",
			"event_id", event.EventID, "trial", i+1, "passed", event.ValidationPassed)
	}

	var sum float64
	finite := 0
	maxDev := 0.0
	for _, ev := range result.FlashEvents {
		for _, acc := range ev.SyncAccuracyMS {
			if acc > maxDev {
				maxDev = acc
			}
			if !math.IsInf(acc, 1) {
				sum += acc
				finite++
			}
		}
	}
	if finite > 0 {
		result.OverallAccuracyMS = sum / float64(finite)
	}
	result.MaxDeviationMS = maxDev
	result.SpecificationMet = maxDev <= v.cfg.ToleranceMS
	result.ValidationPassed = float64(passed) >= v.cfg.PassRatio*float64(v.cfg.Trials)

	v.logger.Info("flash sync validation finished",
		"trials", v.cfg.Trials,
		"trials_passed", passed,
		"overall_accuracy_ms", result.OverallAccuracyMS,
		"max_deviation_ms", result.MaxDeviationMS,
		"specification_met", result.SpecificationMet,
	)
	return result, nil
}

// trial runs one flash event. A trial passes only when every device
// responded within tolerance; a missing response counts as infinite
// deviation.
func (v *Validator) trial(ctx context.Context, devices []string) (*domain.FlashEvent, error) {
	var trigger int64
	var responses map[string]*int64

	if v.b != nil {
		var err error
		trigger, responses, err = v.b.TriggerFlash(ctx, devices)
		if err != nil {
			return nil, domain.WrapOp("FlashSync.trial", err)
		}
	} else {
		trigger, responses = v.simulate(devices)
	}

	event := &domain.FlashEvent{
		EventID:          newEventID(v.now()),
		TriggerTimestamp: trigger,
		DeviceResponses:  make(map[string]*int64, len(devices)),
		SyncAccuracyMS:   make(map[string]float64, len(devices)),
		ValidationPassed: true,
	}

	for _, dev := range devices {
		detected := responses[dev]
		event.DeviceResponses[dev] = detected
		if detected == nil {
			event.SyncAccuracyMS[dev] = domain.NoResponseDeviation
			event.ValidationPassed = false
			continue
		}
		accMS := math.Abs(float64(*detected-trigger)) / 1e6
		event.SyncAccuracyMS[dev] = accMS
		if accMS > v.cfg.ToleranceMS {
			event.ValidationPassed = false
		}
	}
	return event, nil
}

// simulate fabricates device responses with bounded jitter around the
// trigger, standing in for real hardware during dry runs.
func (v *Validator) simulate(devices []string) (int64, map[string]*int64) {
	trigger := v.now().UnixNano()
	responses := make(map[string]*int64, len(devices))
	for _, dev := range devices {
		jitterNS := int64((v.rng.Float64()*2 - 1) * simulatedJitterMS * 1e6)
		ts := trigger + jitterNS
		responses[dev] = &ts
	}
	return trigger, responses
}

func newEventID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
