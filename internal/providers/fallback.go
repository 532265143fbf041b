package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultFallbackCooldown is how long a failed model is skipped while
// other candidates remain.
const DefaultFallbackCooldown = 60 * time.Second

// Candidate pairs a provider with a model for fallback ordering. An empty
// Model means the provider's default.
type Candidate struct {
	Provider Provider
	Model    string
}

func (c Candidate) model() string {
	if c.Model != "" {
		return c.Model
	}
	return c.Provider.DefaultModel()
}

func (c Candidate) key() string {
	return c.Provider.Name() + "/" + c.model()
}

// Attempt records one candidate failure during a fallback run.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// AllFailedError reports that every candidate was tried and failed.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("All models failed (%d)", len(e.Attempts))
}

func (e *AllFailedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// FallbackRunner walks an ordered candidate list until one succeeds,
// remembering recent failures so later runs skip still-cooling models.
type FallbackRunner struct {
	mu       sync.Mutex
	failures map[string]time.Time
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewFallbackRunner creates a runner with the default 60s cooldown.
func NewFallbackRunner(logger *slog.Logger) *FallbackRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRunner{
		failures: make(map[string]time.Time),
		cooldown: DefaultFallbackCooldown,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FallbackRunner) inCooldown(c Candidate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	failedAt, ok := r.failures[c.key()]
	return ok && r.now().Sub(failedAt) < r.cooldown
}

func (r *FallbackRunner) markFailure(c Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[c.key()] = r.now()
}

func (r *FallbackRunner) clearFailure(c Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, c.key())
}

// RunWithModelFallback tries candidates in order until run succeeds.
// Duplicate provider/model pairs are collapsed. A candidate in cooldown
// is skipped unless it is the last remaining option. Cancellation and
// context-overflow errors propagate immediately without consulting
// further candidates.
func RunWithModelFallback[T any](ctx context.Context, r *FallbackRunner, candidates []Candidate, run func(ctx context.Context, c Candidate) (T, error)) (T, error) {
	var zero T
	unique := dedupeCandidates(candidates)
	if len(unique) == 0 {
		return zero, errors.New("no provider candidates configured")
	}

	var attempts []Attempt
	for i, cand := range unique {
		if r.inCooldown(cand) && i < len(unique)-1 {
			r.logger.Debug("fallback.skip_cooldown",
				"provider", cand.Provider.Name(),
				"model", cand.model())
			continue
		}

		result, err := run(ctx, cand)
		if err == nil {
			r.clearFailure(cand)
			return result, nil
		}
		if IsAbort(err) || IsContextOverflow(err) {
			return zero, err
		}

		r.markFailure(cand)
		attempts = append(attempts, Attempt{
			Provider: cand.Provider.Name(),
			Model:    cand.model(),
			Err:      err,
		})
		r.logger.Warn("fallback.candidate_failed",
			"provider", cand.Provider.Name(),
			"model", cand.model(),
			"error", err)
	}

	return zero, &AllFailedError{Attempts: attempts}
}

func dedupeCandidates(candidates []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	unique := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Provider == nil {
			continue
		}
		if _, ok := seen[c.key()]; ok {
			continue
		}
		seen[c.key()] = struct{}{}
		unique = append(unique, c)
	}
	return unique
}
