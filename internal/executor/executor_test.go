package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"budget-guard/internal/config"
)

// scriptedPlane answers IsDisabled from state and Disable from a queue of errors.
type scriptedPlane struct {
	mu           sync.Mutex
	disabled     bool
	disableErrs  []error
	readErr      error
	confirm      bool
	disableCalls int
	readCalls    int
}

func (p *scriptedPlane) Name() string { return "scripted" }

func (p *scriptedPlane) IsDisabled(ctx context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readCalls++
	if p.readErr != nil {
		return false, p.readErr
	}
	return p.disabled, nil
}

func (p *scriptedPlane) Disable(ctx context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableCalls++
	if len(p.disableErrs) > 0 {
		err := p.disableErrs[0]
		p.disableErrs = p.disableErrs[1:]
		if err != nil {
			return err
		}
	}
	if p.confirm {
		p.disabled = true
	}
	return nil
}

func newTestExecutor(plane ControlPlane, attempts int) (*Executor, *[]time.Duration) {
	exec := New(plane, Options{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Breaker:     config.BreakerConfig{MaxRequests: 1, Timeout: time.Minute},
	}, zerolog.Nop())
	var sleeps []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return exec, &sleeps
}

func apiErr(code int) error {
	return &googleapi.Error{Code: code, Message: http.StatusText(code)}
}

func TestDisableSucceedsFirstAttempt(t *testing.T) {
	plane := &scriptedPlane{confirm: true}
	exec, sleeps := newTestExecutor(plane, 5)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, Success, out.Result)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.AlreadyDisabled)
	assert.Equal(t, 1, plane.disableCalls)
	assert.Equal(t, 2, plane.readCalls)
	assert.Empty(t, *sleeps)
}

func TestDisableSkipsCallWhenAlreadyDisabled(t *testing.T) {
	plane := &scriptedPlane{disabled: true}
	exec, _ := newTestExecutor(plane, 5)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, Success, out.Result)
	assert.True(t, out.AlreadyDisabled)
	assert.Zero(t, plane.disableCalls)
}

func TestDisableRetriesTransientErrors(t *testing.T) {
	plane := &scriptedPlane{confirm: true, disableErrs: []error{apiErr(503), apiErr(429)}}
	exec, sleeps := newTestExecutor(plane, 5)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, Success, out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestDisableExhaustsRetries(t *testing.T) {
	plane := &scriptedPlane{disableErrs: []error{apiErr(500), apiErr(502), apiErr(503)}}
	exec, sleeps := newTestExecutor(plane, 3)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, RetryableFailure, out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, plane.disableCalls)
	assert.Len(t, *sleeps, 2)
	require.Error(t, out.Err)
}

func TestDisableFatalErrorStopsImmediately(t *testing.T) {
	plane := &scriptedPlane{disableErrs: []error{apiErr(403)}}
	exec, sleeps := newTestExecutor(plane, 5)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, FatalFailure, out.Result)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, plane.disableCalls)
	assert.Empty(t, *sleeps)
}

func TestDisableUnconfirmedIsRetried(t *testing.T) {
	plane := &scriptedPlane{confirm: false}
	exec, _ := newTestExecutor(plane, 2)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, RetryableFailure, out.Result)
	assert.ErrorIs(t, out.Err, errNotConfirmed)
	assert.Equal(t, 2, plane.disableCalls)
}

func TestDisableReadErrorIsClassified(t *testing.T) {
	plane := &scriptedPlane{readErr: apiErr(404)}
	exec, _ := newTestExecutor(plane, 5)

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, FatalFailure, out.Result)
	assert.Zero(t, plane.disableCalls)
}

func TestDisableStopsOnCancelledContext(t *testing.T) {
	plane := &scriptedPlane{disableErrs: []error{apiErr(503), apiErr(503), apiErr(503)}}
	exec, _ := newTestExecutor(plane, 5)
	ctx, cancel := context.WithCancel(context.Background())
	exec.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	out := exec.Disable(ctx, "acct-1")

	assert.Equal(t, RetryableFailure, out.Result)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, plane.disableCalls)
}

func TestBackoffIsCapped(t *testing.T) {
	exec, _ := newTestExecutor(&scriptedPlane{}, 10)

	assert.Equal(t, time.Second, exec.backoff(1))
	assert.Equal(t, 2*time.Second, exec.backoff(2))
	assert.Equal(t, 16*time.Second, exec.backoff(5))
	assert.Equal(t, 30*time.Second, exec.backoff(6))
	assert.Equal(t, 30*time.Second, exec.backoff(9))
}

func TestBreakerOpensOnRepeatedTransientFailures(t *testing.T) {
	plane := &scriptedPlane{readErr: apiErr(503)}
	exec := New(plane, Options{
		MaxAttempts: 6,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Breaker: config.BreakerConfig{
			MaxRequests:  1,
			Timeout:      time.Hour,
			MinRequests:  3,
			FailureRatio: 0.5,
		},
	}, zerolog.Nop())
	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	out := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, RetryableFailure, out.Result)
	assert.ErrorIs(t, out.Err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, plane.readCalls)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Result
	}{
		{nil, Success},
		{apiErr(400), FatalFailure},
		{apiErr(401), FatalFailure},
		{apiErr(403), FatalFailure},
		{apiErr(404), FatalFailure},
		{apiErr(408), RetryableFailure},
		{apiErr(429), RetryableFailure},
		{apiErr(500), RetryableFailure},
		{apiErr(503), RetryableFailure},
		{fmt.Errorf("wrapped: %w", apiErr(403)), FatalFailure},
		{Permanent(errors.New("bad account")), FatalFailure},
		{gobreaker.ErrOpenState, RetryableFailure},
		{context.DeadlineExceeded, RetryableFailure},
		{errors.New("connection reset by peer"), RetryableFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.err), "%v", tc.err)
	}
}

func TestDryRunPlane(t *testing.T) {
	plane := NewDryRunPlane()
	exec, _ := newTestExecutor(plane, 3)

	first := exec.Disable(context.Background(), "acct-1")
	second := exec.Disable(context.Background(), "acct-1")

	assert.Equal(t, Success, first.Result)
	assert.False(t, first.AlreadyDisabled)
	assert.True(t, second.AlreadyDisabled)
	assert.Equal(t, 1, plane.Calls("acct-1"))
}
