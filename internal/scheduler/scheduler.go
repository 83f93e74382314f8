package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"playercore/internal/logger"
)

// PerformRequest executes one attempt against the given CDN. It must honor
// ctx and report failures through the error taxonomy of this package so
// they can be classified for retry.
type PerformRequest[T any] func(ctx context.Context, cdn *Cdn) (T, error)

// RetryOptions configures the retry/backoff behavior of one scheduling
// call.
type RetryOptions struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxRetry  int
	// OnRetry is invoked with the triggering error before each retry.
	OnRetry func(err error)
	// Logger defaults to a no-op logger.
	Logger logger.Logger
}

// ScheduleRequestWithCdns performs a request against an ordered list of
// CDN candidates with retry, exponential backoff and failover. It returns
// the first successful response, or the last underlying error once every
// CDN is exhausted. Context cancellation always short-circuits and is
// surfaced verbatim, bypassing retry. Backoff state is owned by this one
// call and never shared.
//
// cdns may be nil when no CDN concept applies to the resource.
func ScheduleRequestWithCdns[T any](
	ctx context.Context,
	cdns []*Cdn,
	prio Prioritizer,
	perform PerformRequest[T],
	opts RetryOptions,
) (T, error) {
	r := &runner[T]{
		cdns:     cdns,
		prio:     prio,
		perform:  perform,
		opts:     opts,
		attempts: make(map[*Cdn]*missedAttempt),
		now:      time.Now,
		log:      opts.Logger,
	}
	if r.cdns == nil {
		r.cdns = []*Cdn{nil}
	}
	if r.log == nil {
		r.log = logger.Nop{}
	}
	return r.run(ctx)
}

// ScheduleRequest is the degenerate case of ScheduleRequestWithCdns for
// resources with no CDN concept, such as manifest fetches.
func ScheduleRequest[T any](
	ctx context.Context,
	perform func(ctx context.Context) (T, error),
	opts RetryOptions,
) (T, error) {
	return ScheduleRequestWithCdns(ctx, nil, nil,
		func(ctx context.Context, _ *Cdn) (T, error) {
			return perform(ctx)
		}, opts)
}

// runner is the explicit state machine behind one scheduling call.
type runner[T any] struct {
	cdns     []*Cdn
	prio     Prioritizer
	perform  PerformRequest[T]
	opts     RetryOptions
	attempts map[*Cdn]*missedAttempt
	now      func() time.Time
	log      logger.Logger
}

func (r *runner[T]) run(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	cdn, ok := getCdnToRequest(r.cdns, r.prio, r.attempts)
	if !ok {
		return zero, ErrNoCdn
	}

	for {
		var err error
		cdn, err = r.waitBackoff(ctx, cdn)
		if err != nil {
			return zero, err
		}

		resp, err := r.perform(ctx, cdn)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}

		r.registerFailure(cdn, err)

		next, ok := getCdnToRequest(r.cdns, r.prio, r.attempts)
		if !ok {
			// Every CDN exhausted: surface the most recent underlying
			// error, keeping its diagnostic content.
			return zero, err
		}
		if r.opts.OnRetry != nil {
			r.opts.OnRetry(err)
		}
		cdn = next
	}
}

// registerFailure downgrades the CDN globally and updates its per-call
// attempt record: non-retryable errors and exhausted retry budgets
// blacklist it outright, otherwise a fuzzed exponential backoff is armed.
func (r *runner[T]) registerFailure(cdn *Cdn, err error) {
	if r.prio != nil && cdn != nil {
		r.prio.Downgrade(cdn)
	}
	rec := r.attempts[cdn]
	if rec == nil {
		rec = &missedAttempt{}
		r.attempts[cdn] = rec
	}
	rec.errorCounter++

	if !ShouldRetry(err) {
		rec.blacklisted = true
		r.log.Debugf("scheduler: blacklisting CDN %s (non-retryable error: %v)", cdnName(cdn), err)
		return
	}
	if rec.errorCounter > r.opts.MaxRetry {
		rec.blacklisted = true
		r.log.Debugf("scheduler: blacklisting CDN %s (retry budget exhausted)", cdnName(cdn))
		return
	}

	delay := backoffDelay(r.opts.BaseDelay, r.opts.MaxDelay, rec.errorCounter)
	rec.blockedUntil = r.now().Add(fuzzDelay(delay))
	r.log.Debugf("scheduler: CDN %s blocked for ~%v after failure %d", cdnName(cdn), delay, rec.errorCounter)
}

// waitBackoff sleeps until the selected CDN's backoff expires. The sleep
// is raced against context cancellation and against a prioritizer rank
// change; a rank change aborts the wait and re-selects the most
// prioritary CDN.
func (r *runner[T]) waitBackoff(ctx context.Context, cdn *Cdn) (*Cdn, error) {
	for {
		var remaining time.Duration
		if rec := r.attempts[cdn]; rec != nil && !rec.blockedUntil.IsZero() {
			remaining = rec.blockedUntil.Sub(r.now())
		}
		if remaining <= 0 {
			return cdn, nil
		}

		var (
			prioCh <-chan struct{}
			unsub  func()
		)
		if r.prio != nil {
			prioCh, unsub = r.prio.Subscribe()
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			if unsub != nil {
				unsub()
			}
			return nil, ctx.Err()
		case <-timer.C:
			if unsub != nil {
				unsub()
			}
			return cdn, nil
		case <-prioCh:
			timer.Stop()
			unsub()
			next, ok := getCdnToRequest(r.cdns, r.prio, r.attempts)
			if ok {
				cdn = next
			}
		}
	}
}

// backoffDelay computes the pre-fuzz backoff for the given consecutive
// failure count: baseDelay * 2^(errorCounter-1), capped at maxDelay.
func backoffDelay(baseDelay, maxDelay time.Duration, errorCounter int) time.Duration {
	if errorCounter < 1 {
		errorCounter = 1
	}
	delay := baseDelay
	for i := 1; i < errorCounter; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// fuzzDelay randomizes a delay between 70% and 130% of its value so
// concurrent requests do not retry in lockstep.
func fuzzDelay(d time.Duration) time.Duration {
	factor := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * factor)
}

func cdnName(cdn *Cdn) string {
	if cdn == nil {
		return "<none>"
	}
	if cdn.ID != "" {
		return cdn.ID
	}
	return cdn.BaseURL
}
