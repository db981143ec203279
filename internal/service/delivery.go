package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPermanent marks a sender error that retrying cannot fix, such as a
// visitor that blocked the bot. Senders wrap it to skip remaining retries.
var ErrPermanent = errors.New("permanent delivery failure")

// RetryConfig bounds delivery retries.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = 0

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// deliver sends out to nativeID through s, retrying transient failures with
// exponential backoff. It returns the channel ref and the attempts made.
func (r *Router) deliver(ctx context.Context, s Sender, nativeID string, out Outgoing) (string, int, error) {
	var (
		ref      string
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		ref, err = s.Send(ctx, nativeID, out)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, r.retry.backOff(ctx))
	return ref, attempts, err
}
