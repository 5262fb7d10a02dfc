// Package fallback runs an ordered chain of alternative steps and commits to
// the first one that succeeds.
//
// Ownership boundary:
// - step ordering and per-step budgets
// - attempt bookkeeping for operator reporting
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoSteps    = errors.New("fallback: no steps declared")
	ErrExhausted  = errors.New("fallback: all steps failed")
	ErrNotApplies = errors.New("fallback: step not applicable")
)

// Step is one alternative. Timeout <= 0 means the parent context budget only.
type Step[T any] struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (T, error)
}

// Attempt records how one step ended.
type Attempt struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Outcome is the committed result of a chain.
type Outcome[T any] struct {
	Value    T
	Winner   string
	Attempts []Attempt
}

// ExhaustedError carries every failed attempt of a chain.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Name, a.Err))
	}
	return fmt.Sprintf("%v (%s)", ErrExhausted, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}

// Run tries steps strictly in order and returns the first success.
// Parent cancellation stops the chain immediately with the context error.
func Run[T any](ctx context.Context, chain string, steps []Step[T]) (Outcome[T], error) {
	var out Outcome[T]
	if len(steps) == 0 {
		return out, ErrNoSteps
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		started := time.Now()
		value, err := runStep(ctx, step)
		attempt := Attempt{Name: step.Name, Err: err, Duration: time.Since(started)}
		out.Attempts = append(out.Attempts, attempt)

		if err == nil {
			out.Value = value
			out.Winner = step.Name
			log.Info().
				Str("chain", chain).
				Str("step", step.Name).
				Dur("duration", attempt.Duration).
				Msg("fallback.step_won")
			return out, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}

		event := log.Warn()
		if errors.Is(err, ErrNotApplies) {
			event = log.Debug()
		}
		event.
			Str("chain", chain).
			Str("step", step.Name).
			Err(err).
			Msg("fallback.step_failed")
	}

	return out, &ExhaustedError{Attempts: out.Attempts}
}

func runStep[T any](ctx context.Context, step Step[T]) (T, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	value, err := step.Run(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("step budget %s exceeded: %w", step.Timeout, err)
	}
	return value, err
}
