// Package session owns the current principal snapshot. It composes the
// gateway, push listener, accrual estimator, and refresh coordinator; every
// snapshot mutation flows through here and nowhere else.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mxi-app/mxi-core/internal/accrual"
	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/internal/gateway"
	"github.com/mxi-app/mxi-core/internal/idempotency"
	"github.com/mxi-app/mxi-core/internal/ratelimit"
	"github.com/mxi-app/mxi-core/internal/refresh"
	"github.com/mxi-app/mxi-core/internal/snapcache"
	"github.com/mxi-app/mxi-core/pkg/logger"
)

// ActionResult is the {success, error}-shaped outcome handed to the UI layer.
type ActionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Stale   bool   `json:"stale,omitempty"`
}

func okResult() ActionResult {
	return ActionResult{Success: true}
}

// failResult funnels every failed action through the error handler so the
// caller sees the user-facing message, not the internal chain.
func (s *Store) failResult(ctx context.Context, err error) ActionResult {
	if err == nil {
		return okResult()
	}

	message, _ := s.errHandler.Handle(ctx, err)
	return ActionResult{Success: false, Error: message}
}

// PushListener is the slice of the push package the store depends on.
type PushListener interface {
	Subscribe(ctx context.Context, principalID string) (<-chan domain.PushEvent, error)
	Unsubscribe()
	Connected() bool
}

// Notifier receives push events worth surfacing to a human. It filters by
// kind itself; the store forwards every decoded event.
type Notifier interface {
	Notify(ctx context.Context, event domain.PushEvent)
}

// Config tunes one session.
type Config struct {
	RefreshTimeout      time.Duration
	EstimatorTick       time.Duration
	AccrualPercent      float64
	AccrualPeriod       time.Duration
	WithdrawalRecordTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = refresh.DefaultTimeout
	}
	if c.EstimatorTick <= 0 {
		c.EstimatorTick = time.Second
	}
	if c.AccrualPercent <= 0 {
		c.AccrualPercent = 0.03
	}
	if c.AccrualPeriod <= 0 {
		c.AccrualPeriod = 30 * 24 * time.Hour
	}
	if c.WithdrawalRecordTTL <= 0 {
		c.WithdrawalRecordTTL = 24 * time.Hour
	}
}

// Deps are the collaborators injected into a store. Gateway is required;
// everything else degrades gracefully when nil.
type Deps struct {
	Gateway     gateway.Gateway
	Listener    PushListener
	Cache       *snapcache.Cache
	Limiter     ratelimit.Limiter
	Rules       *ratelimit.Rules
	Idempotency idempotency.Manager
	Notifier    Notifier
	Log         *slog.Logger
	Clock       func() time.Time

	// SentryEnabled lets the error handler report critical failures.
	SentryEnabled bool
}

// Store is the single writer of the principal snapshot.
type Store struct {
	principalID string
	cfg         Config
	deps        Deps
	log         *slog.Logger
	clock       func() time.Time
	errHandler  *apperrors.Handler

	coordinator *refresh.Coordinator
	estimator   *accrual.Estimator

	mu         sync.RWMutex
	snapshot   *domain.Principal
	epoch      uint64
	lastUpdate time.Time
	stale      bool
	started    bool

	consumerWG sync.WaitGroup
	cancelLoop context.CancelFunc
}

// NewStore builds a session store for one principal. Nothing touches the
// network until Start.
func NewStore(principalID string, cfg Config, deps Deps) (*Store, error) {
	if deps.Gateway == nil {
		return nil, errors.New("session: gateway is required")
	}

	cfg.applyDefaults()

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("principal_id", principalID))

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		principalID: principalID,
		cfg:         cfg,
		deps:        deps,
		log:         log,
		clock:       clock,
		errHandler:  apperrors.NewHandler(log, deps.SentryEnabled),
		estimator:   accrual.NewEstimator(cfg.EstimatorTick, clock, log),
	}

	s.coordinator = refresh.NewCoordinator(
		func(ctx context.Context) (*domain.Principal, error) {
			return deps.Gateway.FetchSnapshot(ctx, principalID)
		},
		refresh.Options{
			Timeout: cfg.RefreshTimeout,
			OnApply: s.applySnapshot,
			Fallback: func(ctx context.Context) (*domain.Principal, error) {
				if deps.Cache == nil {
					return nil, nil
				}
				return deps.Cache.Load(ctx, principalID)
			},
			Log: log,
		},
	)

	return s, nil
}

// PrincipalID returns the owning principal's id.
func (s *Store) PrincipalID() string {
	return s.principalID
}

// Start performs the initial refresh, subscribes to the push channel, and
// launches the estimator plus the single event-consumer loop. An initial
// refresh with no cache to fall back on fails Start; the caller retries.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	outcome := s.coordinator.Refresh(ctx, "initial")
	if outcome.Snapshot == nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return outcome.Err
	}

	if outcome.FromCache {
		// Cached start: seed the snapshot so reads work, flagged stale until
		// a live refresh lands.
		s.seedFromCache(outcome.Snapshot)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancelLoop = cancel
	s.mu.Unlock()

	s.estimator.Start(loopCtx, nil)

	if s.deps.Listener != nil {
		events, err := s.deps.Listener.Subscribe(ctx, s.principalID)
		if err != nil {
			// Degraded mode: polling still reconciles; Connected() stays false.
			s.log.Warn("push subscription unavailable, relying on polls", slog.Any("error", err))
		} else {
			s.consumerWG.Add(1)
			go s.consume(loopCtx, events)
		}
	}

	s.log.Info("session started", slog.Bool("from_cache", outcome.FromCache))
	return nil
}

// consume is the one code path that reacts to push events: notify, then
// guarded re-sync. The payload is a hint, never applied to the snapshot.
func (s *Store) consume(ctx context.Context, events <-chan domain.PushEvent) {
	defer s.consumerWG.Done()

	for event := range events {
		evCtx := logger.WithCorrelationID(ctx)

		s.log.Debug("push event received",
			slog.String("kind", string(event.Kind)),
		)

		if s.deps.Notifier != nil {
			s.deps.Notifier.Notify(evCtx, event)
		}

		outcome := s.coordinator.Refresh(evCtx, "push")
		if outcome.Err != nil && !errors.Is(outcome.Err, refresh.ErrRefreshInFlight) {
			s.log.Warn("push-triggered refresh failed", slog.Any("error", outcome.Err))
		}
	}
}

// applySnapshot installs a freshly fetched snapshot. It is the only write
// path for s.snapshot besides teardown.
func (s *Store) applySnapshot(snapshot *domain.Principal) {
	if snapshot == nil {
		return
	}

	now := s.clock().UTC()

	s.mu.Lock()
	s.snapshot = snapshot
	s.epoch++
	s.lastUpdate = now
	s.stale = false
	s.mu.Unlock()

	s.estimator.SetInputs(s.accrualInputs(snapshot))

	if s.deps.Cache != nil {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.deps.Cache.Store(cacheCtx, snapshot); err != nil {
			s.log.Warn("snapshot cache write failed", slog.Any("error", err))
		}
	}
}

func (s *Store) seedFromCache(snapshot *domain.Principal) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.epoch++
	s.lastUpdate = s.clock().UTC()
	s.stale = true
	s.mu.Unlock()

	s.coordinator.Prime(snapshot)
	s.estimator.SetInputs(s.accrualInputs(snapshot))
}

func (s *Store) accrualInputs(snapshot *domain.Principal) accrual.Inputs {
	return accrual.Inputs{
		// Yield accrues on directly purchased balance only.
		BaseQuantity:     snapshot.PurchasedBalance,
		RatePerMinute:    snapshot.YieldRatePerMinute,
		AccumulatedValue: snapshot.AccumulatedYield,
		LastServerUpdate: snapshot.LastYieldUpdate,
		PeriodPercent:    s.cfg.AccrualPercent,
		Period:           s.cfg.AccrualPeriod,
	}
}

// Snapshot returns a copy of the last known good principal state, or nil
// when logged out.
func (s *Store) Snapshot() *domain.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Connected reports push-channel connectivity.
func (s *Store) Connected() bool {
	if s.deps.Listener == nil {
		return false
	}

	return s.deps.Listener.Connected()
}

// LastUpdate returns when a snapshot was last applied; zero when never.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Stale reports whether the current snapshot came from cache rather than a
// live fetch.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Epoch returns the snapshot version counter.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// LiveYield returns the continuously updating accrual estimate for display.
func (s *Store) LiveYield() float64 {
	return s.estimator.Current()
}

// TotalBalance returns the displayed total: the four balance components plus
// the live yield estimate.
func (s *Store) TotalBalance() float64 {
	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()

	return snapshot.TotalBalance(s.LiveYield())
}

// Refresh serves the manual pull-to-refresh affordance. A refresh already in
// flight satisfies the request; a timeout serves cache and reports stale.
func (s *Store) Refresh(ctx context.Context) ActionResult {
	if res := s.checkLimit(ctx, ratelimit.ActionManualRefresh); !res.Success {
		return res
	}

	outcome := s.coordinator.Refresh(ctx, "manual")
	if errors.Is(outcome.Err, refresh.ErrRefreshInFlight) {
		return okResult()
	}

	if outcome.Err != nil {
		result := s.failResult(ctx, outcome.Err)
		result.Stale = outcome.FromCache
		if outcome.FromCache {
			s.markStale()
		}
		return result
	}

	return okResult()
}

// BackgroundRefresh serves the periodic poll fallback. It bypasses the
// manual-refresh limiter; the poll cadence is the throttle.
func (s *Store) BackgroundRefresh(ctx context.Context) ActionResult {
	outcome := s.coordinator.Refresh(ctx, "poll")
	if errors.Is(outcome.Err, refresh.ErrRefreshInFlight) {
		return okResult()
	}

	if outcome.Err != nil {
		result := s.failResult(ctx, outcome.Err)
		result.Stale = outcome.FromCache
		return result
	}

	return okResult()
}

// Logout tears the session down: unsubscribe first, drain the consumer, stop
// the estimator, then clear the snapshot. No event callback can observe a
// cleared snapshot.
func (s *Store) Logout(ctx context.Context) ActionResult {
	if s.deps.Listener != nil {
		s.deps.Listener.Unsubscribe()
	}
	s.consumerWG.Wait()

	s.mu.Lock()
	cancel := s.cancelLoop
	s.cancelLoop = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.estimator.Stop()
	s.coordinator.Close()

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Invalidate(ctx, s.principalID); err != nil {
			s.log.Warn("snapshot cache invalidation failed", slog.Any("error", err))
		}
	}

	s.mu.Lock()
	s.snapshot = nil
	s.lastUpdate = time.Time{}
	s.stale = false
	s.started = false
	s.mu.Unlock()

	s.log.Info("session ended")
	return okResult()
}

func (s *Store) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *Store) checkLimit(ctx context.Context, action ratelimit.Action) ActionResult {
	if s.deps.Limiter == nil || s.deps.Rules == nil {
		return okResult()
	}

	limit, window, err := s.deps.Rules.Limit(action)
	if err != nil {
		return okResult()
	}

	result, err := s.deps.Limiter.Check(ctx, ratelimit.Key(action, s.principalID), limit, window)
	if errors.Is(err, ratelimit.ErrLimitExceeded) {
		retryIn := time.Until(result.ResetAt).Round(time.Second)
		s.log.Warn("action rate limited",
			slog.String("action", string(action)),
			slog.Duration("retry_in", retryIn),
		)
		return ActionResult{Success: false, Error: "demasiadas solicitudes, espera un momento"}
	}
	if err != nil {
		// Limiter failure never blocks the action.
		s.log.Warn("rate limiter error", slog.Any("error", err))
	}

	return okResult()
}
