package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// Fetcher is any source of a T.
type Fetcher[T any] interface {
	Fetch(ctx context.Context) (T, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc[T any] func(ctx context.Context) (T, error)

// Fetch calls f.
func (f FetcherFunc[T]) Fetch(ctx context.Context) (T, error) {
	return f(ctx)
}

// Served labels which source answered a failover lookup.
type Served string

const (
	ServedPrimary  Served = "primary"
	ServedBackup   Served = "backup"
	ServedFallback Served = "fallback"
)

// FailoverOptions bounds each source's attempts.
type FailoverOptions struct {
	// Retries is the number of retries per source after the first attempt
	Retries int

	// Timeout applies to each attempt separately
	Timeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultFailoverOptions returns three retries with a ten second attempt timeout.
func DefaultFailoverOptions() FailoverOptions {
	return FailoverOptions{
		Retries:        3,
		Timeout:        10 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// WithFailover tries primary, then backup, each with bounded exponential
// backoff. When both fail the error wraps model.ErrDataUnavailable and both
// causes; it never returns a fabricated zero value as success. backup may be nil.
func WithFailover[T any](ctx context.Context, name string, primary, backup Fetcher[T], opts FailoverOptions) (T, Served, error) {
	if primary == nil {
		primary, backup = backup, nil
	}
	if primary == nil {
		var zero T
		return zero, "", fmt.Errorf("%w: %s: no source configured", model.ErrDataUnavailable, name)
	}

	v, errPrimary := attempt(ctx, name, ServedPrimary, primary, opts)
	if errPrimary == nil {
		return v, ServedPrimary, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, "", fmt.Errorf("%w: %s: %v", model.ErrDataUnavailable, name, ctx.Err())
	}

	if backup == nil {
		var zero T
		return zero, "", fmt.Errorf("%w: %s: primary: %v; no backup configured", model.ErrDataUnavailable, name, errPrimary)
	}

	logrus.WithFields(logrus.Fields{
		"source": name,
		"error":  errPrimary,
	}).Warn("Primary source failed, trying backup")

	v, errBackup := attempt(ctx, name, ServedBackup, backup, opts)
	if errBackup == nil {
		return v, ServedBackup, nil
	}

	var zero T
	return zero, "", fmt.Errorf("%w: %s: primary: %v; backup: %v", model.ErrDataUnavailable, name, errPrimary, errBackup)
}

func attempt[T any](ctx context.Context, name string, which Served, f Fetcher[T], opts FailoverOptions) (T, error) {
	var result T
	tries := 0

	op := func() error {
		tries++
		attemptCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		v, err := f.Fetch(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	if opts.InitialBackoff > 0 {
		expBackoff.InitialInterval = opts.InitialBackoff
	}
	if opts.MaxBackoff > 0 {
		expBackoff.MaxInterval = opts.MaxBackoff
	}
	expBackoff.MaxElapsedTime = 0

	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(retries)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"source":  name,
			"which":   which,
			"attempt": tries,
			"wait":    wait,
			"error":   err,
		}).Debug("Source attempt failed, retrying")
	})
	return result, err
}
