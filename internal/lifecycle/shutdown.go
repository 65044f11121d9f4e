package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Shutdown coordinates graceful shutdown hooks. Hooks are grouped into
// stages; stages run sequentially in ascending order, hooks inside a stage
// run concurrently. Session teardown must finish before the Redis and
// database connections underneath it close, hence the ordering.
type Shutdown struct {
	mu    sync.Mutex
	hooks map[int][]Hook
	log   *slog.Logger
}

// NewShutdown constructs a new Shutdown coordinator.
func NewShutdown(log *slog.Logger) *Shutdown {
	if log == nil {
		log = slog.Default()
	}

	return &Shutdown{
		hooks: make(map[int][]Hook),
		log:   log,
	}
}

// Register adds a named hook to the given stage.
func (s *Shutdown) Register(stage int, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks[stage] = append(s.hooks[stage], Hook{Name: name, Fn: fn})
}

// Execute runs all registered hooks stage by stage and waits for completion.
// A failed hook does not stop later stages; all failures are collected into
// the returned error.
func (s *Shutdown) Execute(ctx context.Context) error {
	s.mu.Lock()
	stages := make([]int, 0, len(s.hooks))
	for stage := range s.hooks {
		stages = append(stages, stage)
	}
	sort.Ints(stages)
	hooksByStage := make(map[int][]Hook, len(s.hooks))
	for stage, hooks := range s.hooks {
		hooksByStage[stage] = append([]Hook(nil), hooks...)
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("shutdown sequence started", slog.Int("stage_count", len(stages)))

	var errMu sync.Mutex
	errs := make([]string, 0)

	for _, stage := range stages {
		var wg sync.WaitGroup

		for _, hook := range hooksByStage[stage] {
			h := hook

			wg.Add(1)
			go func() {
				defer wg.Done()

				s.log.Info("running shutdown hook",
					slog.Int("stage", stage),
					slog.String("hook", h.Name),
				)

				if err := h.Fn(ctx); err != nil {
					s.log.Error("shutdown hook failed",
						slog.String("hook", h.Name),
						slog.Any("error", err),
					)
					errMu.Lock()
					errs = append(errs, fmt.Sprintf("%s: %v", h.Name, err))
					errMu.Unlock()
					return
				}

				s.log.Info("shutdown hook completed", slog.String("hook", h.Name))
			}()
		}

		wg.Wait()
	}

	s.log.Info("shutdown sequence finished", slog.Duration("elapsed", time.Since(start)))

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}
