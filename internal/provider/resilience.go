package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Policy is the timeout and retry budget for one provider.
type Policy struct {
	// Timeout bounds each attempt.
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RequestsPerSecond enables a client-side rate limit when > 0.
	RequestsPerSecond float64
}

// DefaultPolicy is two attempts with exponential backoff from 2s capped at 10s.
func DefaultPolicy(timeout time.Duration) Policy {
	return Policy{
		Timeout:     timeout,
		MaxAttempts: 2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Worst returns the longest time a call under this policy can take.
func (p Policy) Worst() time.Duration {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	worst := time.Duration(attempts) * p.Timeout
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		if delay > p.MaxDelay && p.MaxDelay > 0 {
			delay = p.MaxDelay
		}
		worst += delay
		delay *= 2
	}
	return worst
}

type resilient struct {
	Provider
	policy  Policy
	limiter *rate.Limiter
	log     zerolog.Logger
}

// WithResilience decorates p with the per-attempt timeout, bounded retry and
// optional rate limit of policy. Auth and not-found failures are returned on
// the first attempt.
func WithResilience(p Provider, policy Policy, log zerolog.Logger) Provider {
	r := &resilient{Provider: p, policy: policy, log: log}
	if policy.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), 1)
	}
	return r
}

func (r *resilient) Generate(ctx context.Context, req Request) (Answer, error) {
	return retry(ctx, r, func(ctx context.Context) (Answer, error) {
		return r.Provider.Generate(ctx, req)
	})
}

func (r *resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry(ctx, r, func(ctx context.Context) ([]float32, error) {
		return r.Provider.Embed(ctx, text)
	})
}

func retry[T any](ctx context.Context, r *resilient, call func(context.Context) (T, error)) (T, error) {
	name := r.Provider.Name()
	attempt := 0
	op := func() (T, error) {
		attempt++
		var zero T
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return zero, backoff.Permanent(NewError(name, err))
			}
		}
		callCtx := ctx
		if r.policy.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
			defer cancel()
		}
		out, err := call(callCtx)
		if err == nil {
			return out, nil
		}
		pe := NewError(name, err)
		if !pe.Kind.Retryable() || ctx.Err() != nil {
			return zero, backoff.Permanent(pe)
		}
		return zero, pe
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.MaxInterval = r.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	maxAttempts := r.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn().Err(err).Str("provider", name).Int("attempt", attempt).Dur("retry_in", next).Msg("provider attempt failed")
		}),
	)
	if err != nil {
		return out, NewError(name, err)
	}
	return out, nil
}
