package discovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultRetryInitialInterval = 1 * time.Second
	DefaultRetryMaxInterval     = 1 * time.Minute
)

// RetryPolicy controls the capped exponential backoff used when an engine
// can't fetch its definition, and when the configuration listener can't
// subscribe
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewBackOff returns a fresh backoff for this policy. Zero values are
// replaced with the defaults
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()

	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultRetryInitialInterval
	}

	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultRetryMaxInterval
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}

	b.Reset()

	return b
}

// waitBackOff waits for the next backoff interval. It returns false if the
// context was cancelled first or the backoff has given up
func waitBackOff(ctx context.Context, b backoff.BackOff) bool {
	next := b.NextBackOff()
	if next == backoff.Stop {
		return false
	}

	timer := time.NewTimer(next)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
