package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRequestFailsOverToNextCdn(t *testing.T) {
	cdn1 := &Cdn{ID: "cdn1", BaseURL: "http://cdn1"}
	cdn2 := &Cdn{ID: "cdn2", BaseURL: "http://cdn2"}

	var attempts []string
	retries := 0
	resp, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{cdn1, cdn2}, nil,
		func(_ context.Context, cdn *Cdn) (string, error) {
			attempts = append(attempts, cdn.ID)
			if cdn == cdn1 {
				return "", &HTTPError{URL: cdn.BaseURL, Status: 500}
			}
			return "payload", nil
		},
		RetryOptions{
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  time.Second,
			MaxRetry:  1,
			OnRetry:   func(error) { retries++ },
		},
	)

	require.NoError(t, err)
	assert.Equal(t, "payload", resp)
	assert.Equal(t, []string{"cdn1", "cdn2"}, attempts)
	assert.Equal(t, 1, retries)
}

func TestScheduleRequestSurfacesLastErrorWhenExhausted(t *testing.T) {
	cdn1 := &Cdn{ID: "cdn1", BaseURL: "http://cdn1"}

	calls := 0
	_, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{cdn1}, nil,
		func(_ context.Context, cdn *Cdn) (string, error) {
			calls++
			return "", &HTTPError{URL: cdn.BaseURL, Status: 500}
		},
		RetryOptions{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetry: 1},
	)

	// MaxRetry 1: the initial attempt plus one retry.
	assert.Equal(t, 2, calls)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.Status)
}

func TestScheduleRequestDoesNotRetryNonRetryableErrors(t *testing.T) {
	cdn1 := &Cdn{ID: "cdn1", BaseURL: "http://cdn1"}

	calls := 0
	_, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{cdn1}, nil,
		func(_ context.Context, cdn *Cdn) (string, error) {
			calls++
			return "", &HTTPError{URL: cdn.BaseURL, Status: 403}
		},
		RetryOptions{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetry: 5},
	)

	assert.Equal(t, 1, calls)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
}

func TestScheduleRequestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := ScheduleRequestWithCdns(ctx, []*Cdn{{ID: "cdn1"}}, nil,
		func(context.Context, *Cdn) (string, error) {
			calls++
			return "ok", nil
		},
		RetryOptions{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetry: 1},
	)

	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduleRequestCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := ScheduleRequestWithCdns(ctx, []*Cdn{{ID: "cdn1", BaseURL: "http://cdn1"}}, nil,
			func(context.Context, *Cdn) (string, error) {
				calls++
				return "", &TimeoutError{URL: "http://cdn1"}
			},
			RetryOptions{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxRetry: 3},
		)
		done <- err
	}()

	// Give the first attempt time to fail and enter its hour-long backoff.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not abort on cancellation")
	}
}

func TestScheduleRequestCancellationIsNeverRetried(t *testing.T) {
	calls := 0
	_, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{{ID: "cdn1"}}, nil,
		func(context.Context, *Cdn) (string, error) {
			calls++
			return "", context.Canceled
		},
		RetryOptions{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetry: 5},
	)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduleRequestNoCdn(t *testing.T) {
	_, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{}, nil,
		func(context.Context, *Cdn) (string, error) {
			return "ok", nil
		},
		RetryOptions{},
	)
	assert.ErrorIs(t, err, ErrNoCdn)
}

func TestScheduleRequestWithoutCdnConcept(t *testing.T) {
	calls := 0
	resp, err := ScheduleRequest(context.Background(),
		func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, &TimeoutError{URL: "http://origin/manifest"}
			}
			return 42, nil
		},
		RetryOptions{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetry: 3},
	)

	require.NoError(t, err)
	assert.Equal(t, 42, resp)
	assert.Equal(t, 2, calls)
}

func TestBackoffStateIsPerCall(t *testing.T) {
	cdn1 := &Cdn{ID: "cdn1", BaseURL: "http://cdn1"}
	fail := func(_ context.Context, cdn *Cdn) (string, error) {
		return "", &HTTPError{URL: cdn.BaseURL, Status: 403}
	}
	opts := RetryOptions{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetry: 1}

	_, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{cdn1}, nil, fail, opts)
	require.Error(t, err)

	// The blacklist of the previous call must not leak into a new one.
	resp, err := ScheduleRequestWithCdns(context.Background(), []*Cdn{cdn1}, nil,
		func(context.Context, *Cdn) (string, error) { return "ok", nil }, opts)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestBackoffDelayProgression(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, max, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, max, 3))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(base, max, 4))
	assert.Equal(t, time.Second, backoffDelay(base, max, 5))
	assert.Equal(t, time.Second, backoffDelay(base, max, 12))
}

func TestFuzzDelayBounds(t *testing.T) {
	d := time.Second
	for i := 0; i < 200; i++ {
		fuzzed := fuzzDelay(d)
		assert.GreaterOrEqual(t, fuzzed, 700*time.Millisecond)
		assert.LessOrEqual(t, fuzzed, 1300*time.Millisecond)
	}
}
