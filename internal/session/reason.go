package session

import (
	"context"

	"mdbroker/internal/model/enum"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// reasonOf maps a request failure to the generic reason sent to clients.
func reasonOf(err error) enum.FailureReason {
	switch {
	case errors.Is(err, exception.ErrUnresolvableIdentifier):
		return enum.FailureUnresolvableIdentifier
	case errors.Is(err, exception.ErrUnknownNormalizationRule):
		return enum.FailureUnknownNormalizationRule
	case errors.Is(err, exception.ErrNotEntitled):
		return enum.FailureNotEntitled
	case errors.Is(err, exception.ErrUpstreamUnavailable),
		errors.Is(err, exception.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return enum.FailureUpstreamUnavailable
	case errors.Is(err, exception.ErrRateLimited):
		return enum.FailureRateLimited
	case errors.Is(err, exception.ErrCorrelationInUse),
		errors.Is(err, exception.ErrInvalidArgument):
		return enum.FailureInvalidRequest
	default:
		return enum.FailureInternal
	}
}
