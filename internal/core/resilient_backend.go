package core

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"gwi.com/persona-assistant/internal/observability"
)

// ResilientBackend retries transient failures of the wrapped backend with
// exponential backoff and optionally throttles calls across all pairs.
// The caller's ctx deadline bounds every attempt and every wait.
type ResilientBackend struct {
	next       Backend
	maxRetries int
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

// NewResilientBackend wraps next. ratePerSecond <= 0 disables throttling.
func NewResilientBackend(next Backend, maxRetries int, ratePerSecond float64) *ResilientBackend {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(math.Ceil(ratePerSecond)))
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ResilientBackend{
		next:       next,
		maxRetries: maxRetries,
		limiter:    limiter,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 40 * time.Second
	b.MaxElapsedTime = 0 // the turn deadline bounds total time
	return b
}

func (b *ResilientBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	log := observability.LoggerFromContext(ctx)

	var reply string
	attempt := 0
	operation := func() error {
		attempt++
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		out, err := b.next.Complete(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		reply = out
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), uint64(b.maxRetries)), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		log.Warn("backend call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// retryable reports whether a failed call may succeed if repeated. Client
// errors other than rate limiting are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
			return true
		}
		return code < 400 || code >= 500
	}
	return true
}
