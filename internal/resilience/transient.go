package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

// StatusError carries the HTTP status of a failed upstream call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.StatusCode)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: timeouts, refused or reset
// connections, truncated bodies and 502/503/504 responses. An open circuit is
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	if apperr.KindOf(err) == apperr.KindProviderTransient {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
