// Package retry holds the bounded retry policies shared by the store layer
// and the narration sequencer.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Kind string

const (
	KindTransaction Kind = "transaction"
	KindNarration   Kind = "narration"
)

// Policy bounds the number of attempts of one operation kind and supplies
// the delay between them.
type Policy struct {
	Kind        Kind
	MaxAttempts uint
	NewBackOff  func() backoff.BackOff
}

// Transaction retries contended store transactions with a short jittered
// exponential delay.
var Transaction = Policy{
	Kind:        KindTransaction,
	MaxAttempts: 10,
	NewBackOff: func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Millisecond
		b.MaxInterval = 50 * time.Millisecond
		return b
	},
}

// Narration retries a failed utterance five times, 250ms apart.
var Narration = Policy{
	Kind:        KindNarration,
	MaxAttempts: 5,
	NewBackOff: func() backoff.BackOff {
		return backoff.NewConstantBackOff(250 * time.Millisecond)
	},
}

// For returns the policy registered for kind.
func For(kind Kind) Policy {
	switch kind {
	case KindNarration:
		return Narration
	default:
		return Transaction
	}
}

// Delay returns the wait before the given retry (1-based), or false when the
// attempt budget is spent.
func (p Policy) Delay(attempt uint) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	b := p.NewBackOff()
	var d time.Duration
	for i := uint(0); i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return 0, false
		}
	}
	return d, true
}

// Do runs op until it succeeds, returns an error retryable rejects, or the
// policy's attempt budget is spent. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(p.NewBackOff()), backoff.WithMaxTries(p.MaxAttempts))
	return err
}
