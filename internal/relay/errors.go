package relay

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("relay: unauthenticated")
	ErrForbidden       = errors.New("relay: forbidden")
	ErrRouting         = errors.New("relay: routing failure")
	ErrNoSuchCall      = errors.New("relay: no such call")
	ErrCallState       = errors.New("relay: call is not in the expected state")
	ErrInvalidSignal   = errors.New("relay: invalid signal")
	ErrInvalidInput    = errors.New("relay: invalid input")
)

// Code maps an error to the code carried by websocket error frames.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrRouting):
		return "ROUTING_FAILURE"
	case errors.Is(err, ErrNoSuchCall):
		return "NO_SUCH_CALL"
	case errors.Is(err, ErrCallState):
		return "FAILED_PRECONDITION"
	case errors.Is(err, ErrInvalidSignal), errors.Is(err, ErrInvalidInput):
		return "INVALID_ARGUMENT"
	}
	return "INTERNAL"
}

// HTTPStatus maps an error to the status returned by the REST endpoints.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRouting):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNoSuchCall):
		return http.StatusNotFound
	case errors.Is(err, ErrCallState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidSignal), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
