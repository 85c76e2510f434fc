package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/resilience"
)

// errorEnvelope is the provider's error body.
type errorEnvelope struct {
	ErrorCode     string   `json:"error_code"`
	ErrorMessages []string `json:"error_messages"`
	CorrelationID string   `json:"correlation_id"`
}

type operation int

const (
	opSession operation = iota
	opAuthorize
	opCapture
)

func (o operation) String() string {
	switch o {
	case opAuthorize:
		return "authorize"
	case opCapture:
		return "capture"
	default:
		return "create_session"
	}
}

func invalidResponse(op operation, cause error) error {
	return apperr.Wrap(apperr.CodeProviderInvalid, apperr.KindInternal,
		fmt.Sprintf("undecodable %s response", op), cause)
}

// transportError classifies a failure that produced no HTTP response.
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeProviderTimeout, apperr.KindProviderTransient, "provider call timed out", err)
	}
	if resilience.IsTransient(err) {
		return apperr.Wrap(apperr.CodeProviderUnavailable, apperr.KindProviderTransient, "provider unreachable", err)
	}
	return apperr.Wrap(apperr.CodeProviderUnavailable, apperr.KindUnavailable, "provider call failed", err)
}

// statusError maps a non-success response onto a namespaced code. Provider text
// stays in Message for logs and never reaches users.
func statusError(op operation, status int, body []byte) error {
	se := &resilience.StatusError{StatusCode: status}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperr.Wrap(apperr.CodeProviderUnavailable, apperr.KindProviderTransient,
			fmt.Sprintf("provider returned %d", status), se)
	}

	var env errorEnvelope
	decodeErr := json.Unmarshal(body, &env)
	msg := fmt.Sprintf("status %d", status)
	if len(env.ErrorMessages) > 0 {
		msg += ": " + strings.Join(env.ErrorMessages, "; ")
	}
	if env.CorrelationID != "" {
		msg += " (correlation_id " + env.CorrelationID + ")"
	}

	if op == opCapture {
		return apperr.Wrap(apperr.CodeProviderCaptureFailed, apperr.KindProviderRejected, msg, se)
	}
	if decodeErr != nil || env.ErrorCode == "" {
		return invalidResponse(op, se)
	}
	code := apperr.CodeProviderPrefix + env.ErrorCode
	if op == opAuthorize {
		code = apperr.CodeProviderAuthPrefix + env.ErrorCode
	}
	return apperr.Wrap(code, apperr.KindProviderRejected, msg, se)
}
