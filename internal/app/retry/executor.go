// Package retry provides the bounded fixed-delay retry wrapper used around
// every storage and remote I/O call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

const (
	// DefaultMaxAttempts is the attempt budget for remote I/O.
	DefaultMaxAttempts = 8
	// DefaultDelay is the fixed pause between attempts.
	DefaultDelay = 5 * time.Second
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy is 8 attempts 5 seconds apart.
func DefaultPolicy() Policy { return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay} }

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// RetryInterrupted is returned when the context is cancelled while waiting
// between attempts. Err is the last failure of the operation.
type RetryInterrupted struct {
	Attempts int
	Err      error
	Cause    error
}

func (e *RetryInterrupted) Error() string {
	return fmt.Sprintf("retry interrupted after %d attempt(s): %v (last error: %v)", e.Attempts, e.Cause, e.Err)
}

// Unwrap exposes the context cause so errors.Is(err, context.Canceled) holds.
func (e *RetryInterrupted) Unwrap() error { return e.Cause }

// IsInterrupted reports whether err is a RetryInterrupted.
func IsInterrupted(err error) bool {
	var ri *RetryInterrupted
	return errors.As(err, &ri)
}

// Permanent wraps err so the executor stops retrying immediately and returns
// err unchanged.
func Permanent(err error) error { return backoff.Permanent(err) }

// Executor runs operations under a retry policy.
type Executor struct {
	policy Policy
	logger *logger.Logger
}

// NewExecutor creates an executor with policy as its default.
func NewExecutor(policy Policy, log *logger.Logger) *Executor {
	return &Executor{policy: policy.normalized(), logger: log.With("component", "retry_executor")}
}

// Policy returns the executor's default policy.
func (e *Executor) Policy() Policy { return e.policy }

// WithPolicy returns an executor sharing e's logger with a different policy.
func (e *Executor) WithPolicy(p Policy) *Executor {
	return &Executor{policy: p.normalized(), logger: e.logger}
}

// Execute invokes op until it succeeds or the attempt budget is spent. On
// exhaustion the last error is returned unchanged. If ctx is cancelled
// while waiting between attempts a *RetryInterrupted is returned instead.
func (e *Executor) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	p := e.policy
	attempts := 0
	permanent := false

	operation := func() error {
		attempts++
		err := op(ctx)
		if _, ok := err.(*backoff.PermanentError); ok {
			permanent = true
		}
		return err
	}

	// WithMaxRetries treats 0 as unlimited, so a single attempt never backs off.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if p.MaxAttempts > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxAttempts-1))
	}
	b := backoff.WithContext(policy, ctx)

	notify := func(err error, next time.Duration) {
		e.logger.Warn(ctx, "operation failed, retrying",
			"operation", name,
			"error", err,
			"attempt", attempts,
			"remaining_attempts", p.MaxAttempts-attempts,
			"delay", next,
		)
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil || permanent {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil && attempts < p.MaxAttempts {
		return &RetryInterrupted{Attempts: attempts, Err: err, Cause: ctxErr}
	}

	e.logger.Error(ctx, "operation failed, retry budget exhausted",
		"operation", name,
		"error", err,
		"attempts", attempts,
	)
	return err
}

// Do is Execute for operations returning a value.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
