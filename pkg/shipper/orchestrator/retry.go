package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"go.uber.org/zap"
)

// fullJitter waits a random duration in [0, min(max, base*2^n)] before retry n.
type fullJitter struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newFullJitter(base, max time.Duration) *fullJitter {
	return &fullJitter{base: base, max: max}
}

// NextBackOff implements backoff.BackOff.
func (b *fullJitter) NextBackOff() time.Duration {
	ceiling := b.base << b.attempt
	if ceiling <= 0 || (b.max > 0 && ceiling > b.max) {
		ceiling = b.max
	}
	b.attempt++
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Reset implements backoff.BackOff.
func (b *fullJitter) Reset() {
	b.attempt = 0
}

// withTokenRetry runs fn and, if the carrier rejected the token, runs it once
// more. The adapter has already invalidated the token, so the second run
// authenticates again. A second rejection is returned as is.
func withTokenRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	if err == nil || !shipper.IsTokenRejected(err) {
		return result, err
	}
	return fn(ctx)
}

// retryRead runs a read operation against one carrier under the carrier's
// deadline, retrying transient failures with full-jitter backoff up to the
// carrier's attempt budget.
func retryRead[T any](ctx context.Context, o *Orchestrator, carrier, operation string, fn func(context.Context) (T, error)) (T, error) {
	policy := o.policy(carrier)
	start := o.now()

	opCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	attempt := 0
	result, err := backoff.Retry(opCtx, func() (T, error) {
		attempt++
		result, err := withTokenRetry(opCtx, fn)
		if err == nil {
			return result, nil
		}
		o.metrics.ObserveCarrierError(carrier, err)
		if shipper.IsRetryable(err) && opCtx.Err() == nil {
			o.logger.Ctx(ctx).Warn("Carrier call failed, retrying",
				zap.String("carrier", carrier),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return result, err
		}
		return result, backoff.Permanent(err)
	},
		backoff.WithBackOff(newFullJitter(o.config.RetryBaseDelay, o.config.RetryMaxDelay)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	err = deadlineError(opCtx, carrier, policy.Timeout, err)

	o.metrics.ObserveRequest(operation, carrier, err, o.now().Sub(start))
	return result, err
}

// deadlineError reports any failure of an operation whose deadline passed as
// a timeout, whatever the last attempt returned. Bare context errors are
// mapped onto the taxonomy.
func deadlineError(opCtx context.Context, carrier string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, shipper.ErrTimeout) && !errors.Is(err, shipper.ErrTransient) {
			return err
		}
		return shipper.NewShipperError(carrier, shipper.ErrTimeout, shipper.CodeDeadlineExceeded,
			"no result within "+timeout.String()+" (last error: "+err.Error()+")")
	}
	var shipperErr *shipper.ShipperError
	var validationErr *shipper.ValidationError
	if !errors.As(err, &shipperErr) && !errors.As(err, &validationErr) {
		return shipper.NetworkError(carrier, err)
	}
	return err
}
