package dispatch

import (
	"errors"
	"net/http"
)

var (
	ErrForbidden            = errors.New("forbidden")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrBadRequest           = errors.New("bad request")
)

// Error is a rejected request. Kind is one of the package sentinels.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error() + ": " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusCode is the HTTP status the rejection maps to.
func (e *Error) StatusCode() int {
	switch {
	case errors.Is(e.Kind, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(e.Kind, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(e.Kind, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// StatusCode maps any error returned by Handle to an HTTP status. A nil
// error is 202 Accepted.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusAccepted
	}
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr.StatusCode()
	}
	return http.StatusInternalServerError
}
