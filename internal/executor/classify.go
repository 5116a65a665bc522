package executor

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// classify maps a control-plane error onto a Result. Errors that carry no usable
// signal are treated as transient.
func classify(err error) Result {
	if err == nil {
		return Success
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return FatalFailure
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RetryableFailure
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RetryableFailure
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}

	// net.Error and anything unrecognised
	return RetryableFailure
}

func classifyStatus(code int) Result {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return RetryableFailure
	case code >= 500:
		return RetryableFailure
	case code >= 400:
		return FatalFailure
	default:
		return RetryableFailure
	}
}
