// Package accrual projects vesting yield between server syncs. The estimate
// is a pure function of the last confirmed inputs and the wall clock; it
// never touches the network.
package accrual

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Inputs are the server-confirmed values a projection starts from. They are
// replaced wholesale whenever a fresh snapshot is applied.
type Inputs struct {
	// BaseQuantity is the amount the rate applies to: directly purchased
	// balance only, commission-derived balance excluded.
	BaseQuantity float64
	// RatePerMinute is the server-assigned yield rate. When zero, the rate is
	// derived from the period ceiling spread evenly over the period.
	RatePerMinute float64
	// AccumulatedValue is the last server-confirmed yield.
	AccumulatedValue float64
	// LastServerUpdate anchors elapsed-time computation.
	LastServerUpdate time.Time
	// PeriodPercent caps one period's yield as a fraction of BaseQuantity.
	PeriodPercent float64
	// Period is the ceiling window, typically 30 days.
	Period time.Duration
}

// Ceiling returns the hard cap for the current period.
func (in Inputs) Ceiling() float64 {
	return in.BaseQuantity * in.PeriodPercent
}

func (in Inputs) ratePerSecond() float64 {
	if in.RatePerMinute > 0 {
		return in.RatePerMinute / 60
	}

	seconds := in.Period.Seconds()
	if seconds <= 0 {
		return 0
	}

	return in.Ceiling() / seconds
}

// Estimate projects the accrued yield at the given instant. A zero base fixes
// the estimate at zero; clock skew clamps elapsed time at zero; the result
// never exceeds the period ceiling and never drops below the last confirmed
// value.
func Estimate(in Inputs, now time.Time) float64 {
	if in.BaseQuantity <= 0 {
		return 0
	}

	elapsed := now.Sub(in.LastServerUpdate)
	if elapsed < 0 {
		elapsed = 0
	}

	estimate := in.AccumulatedValue + in.ratePerSecond()*elapsed.Seconds()

	if ceiling := in.Ceiling(); estimate > ceiling {
		estimate = ceiling
	}
	if estimate < in.AccumulatedValue {
		estimate = in.AccumulatedValue
	}

	return estimate
}

// Estimator re-evaluates the projection on a fixed tick. It holds no state
// beyond the memoized inputs and the floor that keeps reads monotonic while
// inputs are unchanged.
type Estimator struct {
	log  *slog.Logger
	tick time.Duration
	now  func() time.Time

	mu         sync.Mutex
	inputs     Inputs
	floor      float64
	running    bool
	cancelTick context.CancelFunc
}

// NewEstimator builds an estimator with the given tick cadence. A nil clock
// defaults to time.Now.
func NewEstimator(tick time.Duration, clock func() time.Time, log *slog.Logger) *Estimator {
	if tick <= 0 {
		tick = time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	return &Estimator{
		log:  log,
		tick: tick,
		now:  clock,
	}
}

// SetInputs replaces the memoized inputs with freshly synced values. A new
// sync supersedes any in-progress projection, including a reset to a lower
// accumulated value after a claim.
func (e *Estimator) SetInputs(in Inputs) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inputs = in
	e.floor = in.AccumulatedValue
}

// Current returns the live estimate. Successive reads with unchanged inputs
// are non-decreasing even if the wall clock steps backwards between them.
func (e *Estimator) Current() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	estimate := Estimate(e.inputs, e.now())
	if estimate < e.floor {
		return e.floor
	}

	e.floor = estimate
	return estimate
}

// Start launches the tick loop, invoking onTick with each new estimate until
// ctx is cancelled or Stop is called. Starting twice is a no-op.
func (e *Estimator) Start(ctx context.Context, onTick func(estimate float64)) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}

	tickCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancelTick = cancel
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				estimate := e.Current()
				if onTick != nil {
					onTick(estimate)
				}
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call multiple times and on an estimator
// that was never started.
func (e *Estimator) Stop() {
	e.mu.Lock()
	cancel := e.cancelTick
	e.running = false
	e.cancelTick = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
