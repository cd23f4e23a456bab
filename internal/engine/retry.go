package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crewsync/server/internal/remote"
)

// retrier wraps exponential backoff with the engine's error taxonomy:
// transient errors retry, permanent ones stop immediately.
type retrier struct {
	base     time.Duration
	cap      time.Duration
	maxTries uint
}

func newRetrier(base, cap time.Duration, maxTries int) *retrier {
	return &retrier{base: base, cap: cap, maxTries: uint(maxTries)}
}

func (r *retrier) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.base
	b.MaxInterval = r.cap
	return b
}

// do runs op until it succeeds, returns a permanent error, or maxTries
// attempts are spent.
func (r *retrier) do(ctx context.Context, op func() error) error {
	return r.doTries(ctx, r.maxTries, op)
}

func (r *retrier) doTries(ctx context.Context, tries uint, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && remote.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(tries))
	return err
}
