package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openpsa/flowd/pkg/models"
)

// RetryPolicy bounds retries of transient action failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     5 * time.Second,
	}
}

// Invoker dispatches to registered actions: validate input, invoke, retry
// transient failures with capped exponential backoff, convert exhausted
// retryables to fatal.
type Invoker struct {
	registry *Registry
	policy   RetryPolicy
	log      *slog.Logger
}

// NewInvoker creates an Invoker over a registry.
func NewInvoker(registry *Registry, policy RetryPolicy, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	if policy.InitialInterval <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Invoker{registry: registry, policy: policy, log: log.With("component", "action-invoker")}
}

// Invoke runs one action. It returns the output, the number of attempts
// made, and a classified error: *models.ValidationError for non-conforming
// input (never retried), *models.FatalActionError once retries are exhausted
// or for failures the action marked fatal.
func (inv *Invoker) Invoke(ctx context.Context, actionID string, version int, input map[string]any) (map[string]any, int, error) {
	handler, err := inv.registry.Lookup(actionID, version)
	if err != nil {
		return nil, 0, models.Fatal(err)
	}
	if err := inv.registry.ValidateInput(actionID, version, input); err != nil {
		// surfaced as-is: validation errors are never retried
		return nil, 0, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = inv.policy.InitialInterval
	bo.Multiplier = inv.policy.BackoffFactor
	bo.MaxInterval = inv.policy.MaxInterval
	bo.MaxElapsedTime = 0

	var output map[string]any
	attempts := 0
	operation := func() error {
		attempts++
		out, err := handler.Invoke(ctx, input)
		if err != nil {
			if !models.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			inv.log.Warn("action attempt failed, will retry",
				"action", actionKey(actionID, version), "attempt", attempts, "error", err)
			return err
		}
		output = out
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(inv.policy.MaxRetries)), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if models.IsRetryable(err) {
			// attempts exhausted; the transient failure is now fatal
			err = models.Fatal(fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err))
		} else if !isFatal(err) {
			err = models.Fatal(err)
		}
		return nil, attempts, err
	}
	return output, attempts, nil
}

func isFatal(err error) bool {
	var f *models.FatalActionError
	return errors.As(err, &f)
}
