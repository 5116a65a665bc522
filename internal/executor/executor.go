package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"budget-guard/internal/config"
	"budget-guard/internal/metrics"
)

// Result classifies the final state of a disable attempt sequence.
type Result int

const (
	Success Result = iota
	RetryableFailure
	FatalFailure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// errNotConfirmed is returned when the plane accepted the disable call but the
// follow-up read still reports the account as active.
var errNotConfirmed = errors.New("disable not confirmed by verification read")

// ControlPlane is the external system that can disable spend for an account.
type ControlPlane interface {
	Name() string
	IsDisabled(ctx context.Context, accountID string) (bool, error)
	Disable(ctx context.Context, accountID string) error
}

// Outcome is what Disable reports back to the orchestrator.
type Outcome struct {
	Result          Result
	Attempts        int
	AlreadyDisabled bool
	Err             error
}

// Options tune retry and breaker behaviour.
type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	Breaker        config.BreakerConfig
}

// OptionsFromConfig maps executor configuration onto Options.
func OptionsFromConfig(cfg config.ExecutorConfig) Options {
	return Options{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		RequestTimeout: cfg.RequestTimeout,
		Breaker:        cfg.Breaker,
	}
}

// Executor performs the disable action against a ControlPlane with bounded retries.
type Executor struct {
	plane   ControlPlane
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs an Executor around the given control plane.
func New(plane ControlPlane, opts Options, logger zerolog.Logger) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	log := logger.With().Str("component", "executor").Str("plane", plane.Name()).Logger()

	breakerCfg := opts.Breaker
	settings := gobreaker.Settings{
		Name:        plane.Name(),
		MaxRequests: breakerCfg.MaxRequests,
		Interval:    breakerCfg.Interval,
		Timeout:     breakerCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerCfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return breakerCfg.FailureRatio > 0 && ratio >= breakerCfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("control plane breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		// Fatal answers mean the plane is healthy and said no.
		IsSuccessful: func(err error) bool {
			return err == nil || classify(err) == FatalFailure
		},
	}

	return &Executor{
		plane:   plane,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
		sleep:   sleepContext,
	}
}

// Disable makes spend impossible for the account, retrying retryable failures with
// exponential backoff. Each attempt reads the current state first so that a
// redelivered notification never issues a second disable call.
func (e *Executor) Disable(ctx context.Context, accountID string) Outcome {
	var (
		lastErr       error
		disableCalled bool
	)

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff(attempt - 1)
			e.logger.Debug().Str("account_id", accountID).Int("attempt", attempt).Dur("delay", delay).Msg("backing off before retry")
			if err := e.sleep(ctx, delay); err != nil {
				return Outcome{Result: RetryableFailure, Attempts: attempt - 1, Err: fmt.Errorf("backoff interrupted: %w", err)}
			}
		}

		res, err := e.attempt(ctx, accountID, &disableCalled)
		metrics.ExecutorAttempts.WithLabelValues(e.plane.Name(), res.String()).Inc()
		switch res {
		case Success:
			return Outcome{Result: Success, Attempts: attempt, AlreadyDisabled: !disableCalled}
		case FatalFailure:
			e.logger.Error().Err(err).Str("account_id", accountID).Int("attempt", attempt).Msg("disable failed permanently")
			return Outcome{Result: FatalFailure, Attempts: attempt, Err: err}
		}

		lastErr = err
		e.logger.Warn().Err(err).Str("account_id", accountID).Int("attempt", attempt).Msg("disable attempt failed")
		if ctx.Err() != nil {
			return Outcome{Result: RetryableFailure, Attempts: attempt, Err: lastErr}
		}
	}

	return Outcome{
		Result:   RetryableFailure,
		Attempts: e.opts.MaxAttempts,
		Err:      fmt.Errorf("retries exhausted after %d attempts: %w", e.opts.MaxAttempts, lastErr),
	}
}

func (e *Executor) attempt(ctx context.Context, accountID string, disableCalled *bool) (Result, error) {
	disabled, err := e.IsDisabled(ctx, accountID)
	if err != nil {
		return classify(err), fmt.Errorf("read disable state: %w", err)
	}
	if disabled {
		return Success, nil
	}

	*disableCalled = true
	if err := e.call(ctx, "disable", func(callCtx context.Context) error {
		return e.plane.Disable(callCtx, accountID)
	}); err != nil {
		return classify(err), fmt.Errorf("disable: %w", err)
	}

	disabled, err = e.IsDisabled(ctx, accountID)
	if err != nil {
		return classify(err), fmt.Errorf("verify disable: %w", err)
	}
	if !disabled {
		return RetryableFailure, errNotConfirmed
	}
	return Success, nil
}

// IsDisabled reads the account's disable state through the breaker and request timeout.
func (e *Executor) IsDisabled(ctx context.Context, accountID string) (bool, error) {
	var disabled bool
	err := e.call(ctx, "is_disabled", func(callCtx context.Context) error {
		var err error
		disabled, err = e.plane.IsDisabled(callCtx, accountID)
		return err
	})
	return disabled, err
}

// call runs one plane operation through the breaker with the per-request timeout.
func (e *Executor) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx := ctx
	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn(callCtx)
	})
	metrics.PlaneCallDuration.WithLabelValues(e.plane.Name(), op, classify(err).String()).Observe(time.Since(start).Seconds())
	return err
}

// backoff returns base * 2^(n-1) capped at the configured maximum.
func (e *Executor) backoff(n int) time.Duration {
	delay := e.opts.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if e.opts.MaxDelay > 0 && delay >= e.opts.MaxDelay {
			return e.opts.MaxDelay
		}
	}
	if e.opts.MaxDelay > 0 && delay > e.opts.MaxDelay {
		return e.opts.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
