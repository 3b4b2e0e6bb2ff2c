package gateway

import (
	"context"
	"net/http"

	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

// isGracefulEnd reports whether a session ended by a peer close or shutdown.
func isGracefulEnd(err error) bool {
	return errors.Is(err, exception.ErrConnectionClose) ||
		errors.Is(err, exception.ErrWebSocketConnectionClose) ||
		errors.Is(err, exception.ErrSessionClosed) ||
		errors.Is(err, context.Canceled)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, exception.ErrInvalidArgument),
		errors.Is(err, exception.ErrInvalidExternalID),
		errors.Is(err, exception.ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, exception.ErrUnresolvableIdentifier),
		errors.Is(err, exception.ErrUnknownNormalizationRule):
		return http.StatusNotFound
	case errors.Is(err, exception.ErrNoSubscription):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, exception.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
