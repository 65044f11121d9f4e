package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HealthChecker exposes liveness and readiness probes.
type HealthChecker interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) error
}

// CheckFunc reports whether a single dependency is ready.
type CheckFunc func(ctx context.Context) error

// Probes aggregates readiness checks over the process dependencies.
// Liveness only reports that the process is running.
type Probes struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	log    *slog.Logger
}

// NewProbes creates a new Probes instance.
func NewProbes(log *slog.Logger) *Probes {
	if log == nil {
		log = slog.Default()
	}

	return &Probes{
		checks: make(map[string]CheckFunc),
		log:    log,
	}
}

// AddReadiness registers a named readiness check.
func (p *Probes) AddReadiness(name string, check CheckFunc) {
	if check == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

// Liveness reports success while the process is able to answer at all.
func (p *Probes) Liveness(ctx context.Context) error {
	return nil
}

// Readiness fails if any registered check fails.
func (p *Probes) Readiness(ctx context.Context) error {
	p.mu.RLock()
	checks := make(map[string]CheckFunc, len(p.checks))
	for name, check := range p.checks {
		checks[name] = check
	}
	p.mu.RUnlock()

	for name, check := range checks {
		if err := check(ctx); err != nil {
			p.log.Warn("readiness check failed",
				slog.String("check", name),
				slog.Any("error", err),
			)
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}
