package provider

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/circuitbreaker"
	"github.com/mbd888/sessionpay/internal/retry"
)

// FeeLookup fetches fees with a bounded in-request retry and a per-provider
// circuit breaker. Only transient failures are retried or counted toward
// tripping the breaker.
type FeeLookup struct {
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
}

// NewFeeLookup creates a fee lookup. attempts <= 0 means a single try.
func NewFeeLookup(breaker *circuitbreaker.Breaker, attempts int, baseDelay time.Duration) *FeeLookup {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &FeeLookup{breaker: breaker, attempts: attempts, baseDelay: baseDelay}
}

// Fee returns the event's inline fee if it carries one, otherwise asks p.
func (f *FeeLookup) Fee(ctx context.Context, p Provider, ev *Event) (int64, error) {
	if ev.FeeCents != nil {
		return *ev.FeeCents, nil
	}

	var fee int64
	err := retry.Do(ctx, f.attempts, f.baseDelay, func(ctx context.Context) error {
		err := f.breaker.Execute(p.Name(), isTransient, func() error {
			var err error
			fee, err = p.FetchFee(ctx, ev.PaymentReference)
			return err
		})
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		feeLookupFailures.WithLabelValues(p.Name(), failureReason(err)).Inc()
		return 0, err
	}
	return fee, nil
}

// isTransient reports whether a fee lookup error may succeed on retry.
func isTransient(err error) bool {
	return !errors.Is(err, ErrPaymentNotFound) && !errors.Is(err, circuitbreaker.ErrOpen)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
