// Package refresh serializes full snapshot fetches: overlapping triggers
// collapse into at most one in-flight fetch, and a timed-out fetch falls back
// to the last successfully cached snapshot.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/pkg/metrics"
)

var (
	// ErrRefreshInFlight indicates the request was dropped because a fetch is
	// already running. Dropped, not queued.
	ErrRefreshInFlight = errors.New("refresh already in flight")
	// ErrClosed indicates the coordinator's owner has been torn down.
	ErrClosed = errors.New("refresh coordinator is closed")
	// ErrNoSnapshot indicates a failed refresh with no cached fallback.
	ErrNoSnapshot = errors.New("no snapshot available")
)

// DefaultTimeout bounds a refresh before falling back to cache.
const DefaultTimeout = 15 * time.Second

// Fetcher performs the authoritative snapshot fetch.
type Fetcher func(ctx context.Context) (*domain.Principal, error)

// Outcome is the result of one refresh request. FromCache marks stale data
// served after a drop, failure, or timeout.
type Outcome struct {
	Snapshot  *domain.Principal
	FromCache bool
	Err       error
}

// Options tunes a Coordinator.
type Options struct {
	// Timeout bounds each fetch; DefaultTimeout when zero.
	Timeout time.Duration
	// OnApply runs under no lock after each successfully applied snapshot.
	OnApply func(*domain.Principal)
	// Fallback loads a persisted snapshot when the in-memory cache is empty,
	// e.g. after a daemon restart. Optional.
	Fallback func(ctx context.Context) (*domain.Principal, error)
	Log      *slog.Logger
}

type fetchResult struct {
	snapshot *domain.Principal
	err      error
}

// Coordinator enforces the at-most-one-in-flight refresh policy.
type Coordinator struct {
	fetch    Fetcher
	timeout  time.Duration
	onApply  func(*domain.Principal)
	fallback func(ctx context.Context) (*domain.Principal, error)
	log      *slog.Logger

	mu          sync.Mutex
	state       State
	attempt     uint64
	cached      *domain.Principal
	lastSuccess time.Time
	closed      bool
}

// NewCoordinator builds a Coordinator around the given fetcher.
func NewCoordinator(fetch Fetcher, opts Options) *Coordinator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		fetch:    fetch,
		timeout:  timeout,
		onApply:  opts.OnApply,
		fallback: opts.Fallback,
		log:      log,
		state:    StateIdle,
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cached returns the last successfully applied snapshot, if any.
func (c *Coordinator) Cached() *domain.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached.Clone()
}

// LastSuccess returns when a snapshot was last applied.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// Prime seeds the in-memory cache without going through a fetch. Used when a
// snapshot is already known at session start.
func (c *Coordinator) Prime(snapshot *domain.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || snapshot == nil {
		return
	}

	c.cached = snapshot.Clone()
	c.lastSuccess = time.Now().UTC()
}

// Refresh performs a guarded fetch. A request arriving while another fetch is
// in flight returns the cached snapshot with ErrRefreshInFlight and triggers
// no network activity. A fetch that errors or exceeds the timeout falls back
// to cache; the timed-out fetch is left running and its late completion is
// applied only if no newer attempt has started (last write wins).
func (c *Coordinator) Refresh(ctx context.Context, trigger string) Outcome {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{Err: ErrClosed}
	}

	if c.state == StateLoading {
		cached := c.cached.Clone()
		c.mu.Unlock()
		metrics.RecordRefresh(trigger, "dropped", 0)
		return Outcome{Snapshot: cached, FromCache: cached != nil, Err: ErrRefreshInFlight}
	}

	c.transitionLocked(StateLoading)
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	started := time.Now()

	// The fetch keeps the caller's values but survives its cancellation: the
	// coordinator stops waiting on timeout without cancelling the transport.
	fetchCtx := context.WithoutCancel(ctx)
	resultCh := make(chan fetchResult, 1)

	go func() {
		snapshot, err := c.fetch(fetchCtx)
		applied := c.complete(attempt, snapshot, err)
		if applied && err == nil {
			c.log.Debug("snapshot applied", slog.Uint64("attempt", attempt))
		}
		resultCh <- fetchResult{snapshot: snapshot, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		elapsed := time.Since(started)
		if res.err != nil {
			metrics.RecordRefresh(trigger, "failure", elapsed)
			return c.fallbackOutcome(ctx, res.err)
		}

		metrics.RecordRefresh(trigger, "success", elapsed)
		return Outcome{Snapshot: res.snapshot.Clone()}

	case <-timer.C:
		c.abandon(attempt)
		metrics.RecordRefresh(trigger, "timeout", time.Since(started))
		c.log.Warn("refresh timed out, serving cache",
			slog.Duration("timeout", c.timeout),
			slog.String("trigger", trigger),
		)
		return c.fallbackOutcome(ctx, apperrors.NewTimeoutError("snapshot refresh"))
	}
}

// Close makes all future refreshes and late completions no-ops. The owner
// calls it during teardown so a disposed consumer's state is never updated.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.state != StateIdle {
		c.transitionLocked(StateIdle)
	}
}

// complete applies a finished fetch. Returns false when the result is stale
// (a newer attempt started) or the coordinator is closed.
func (c *Coordinator) complete(attempt uint64, snapshot *domain.Principal, err error) bool {
	c.mu.Lock()

	if c.closed || attempt != c.attempt {
		c.mu.Unlock()
		return false
	}

	if c.state == StateLoading {
		c.transitionLocked(StateIdle)
	}

	if err != nil {
		c.mu.Unlock()
		return true
	}

	c.cached = snapshot.Clone()
	c.lastSuccess = time.Now().UTC()
	onApply := c.onApply
	c.mu.Unlock()

	if onApply != nil {
		onApply(snapshot.Clone())
	}

	return true
}

// abandon stops waiting for the given attempt, returning to Idle. The fetch
// itself keeps running; complete handles its late arrival.
func (c *Coordinator) abandon(attempt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || attempt != c.attempt {
		return
	}

	if c.state == StateLoading {
		c.transitionLocked(StateIdle)
	}
}

func (c *Coordinator) fallbackOutcome(ctx context.Context, cause error) Outcome {
	c.mu.Lock()
	cached := c.cached.Clone()
	c.mu.Unlock()

	if cached == nil && c.fallback != nil {
		if persisted, err := c.fallback(ctx); err == nil && persisted != nil {
			cached = persisted
			c.mu.Lock()
			if !c.closed && c.cached == nil {
				c.cached = persisted.Clone()
			}
			c.mu.Unlock()
		}
	}

	if cached == nil {
		return Outcome{Err: cause}
	}

	metrics.RecordStaleServe()
	return Outcome{Snapshot: cached, FromCache: true, Err: cause}
}

func (c *Coordinator) transitionLocked(to State) {
	from := c.state
	if !IsTransitionAllowed(from, to) && from != to {
		c.log.Warn("invalid coordinator transition",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}

	c.state = to
	transitionRecorder(string(from), string(to))
}
