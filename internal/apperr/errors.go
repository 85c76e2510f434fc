// Package apperr defines the namespaced error codes surfaced by the checkout core.
//
// Expected failures travel as *Error values carrying a stable code such as
// "Session.Expired". Callers branch on the code or the kind; user-facing text is
// always taken from UserMessage, never from the wrapped cause.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind groups codes into the failure taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindNotFound
	KindValidation
	KindConflict
	KindProviderTransient
	KindProviderRejected
	KindUnavailable
	KindPersistence
	KindIdempotency
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindProviderTransient:
		return "provider_transient"
	case KindProviderRejected:
		return "provider_rejected"
	case KindUnavailable:
		return "unavailable"
	case KindPersistence:
		return "persistence"
	case KindIdempotency:
		return "idempotency"
	default:
		return "internal"
	}
}

const (
	CodeAuthRequired = "Auth.Required"
	CodeAuthInvalid  = "Auth.Invalid"

	CodeOrderNotFound          = "Order.NotFound"
	CodeOrderValidation        = "Order.Validation"
	CodeOrderInvalidTransition = "Order.InvalidTransition"
	CodeOrderDuplicateNumber   = "Order.DuplicateNumber"
	CodeOrderLocked            = "Order.Locked"
	CodeMoneyCurrencyMismatch  = "Money.CurrencyMismatch"

	CodeSessionNotFound        = "Session.NotFound"
	CodeSessionExpired         = "Session.Expired"
	CodeSessionOrderNotPayable = "Session.OrderNotPayable"
	CodeSessionAmountMismatch  = "Session.AmountMismatch"
	CodeSessionInvalidState    = "Session.InvalidState"

	CodeProviderPrefix        = "Provider."
	CodeProviderAuthPrefix    = "Provider.Authorization."
	CodeProviderCaptureFailed = "Provider.Capture.Failed"
	CodeProviderInvalid       = "Provider.Session.Invalid"
	CodeProviderUnavailable   = "Provider.Unavailable"
	CodeProviderTimeout       = "Provider.Timeout"
	CodeProviderCircuitOpen   = "Provider.CircuitOpen"

	CodeIdempotencyUnavailable = "Idempotency.StoreUnavailable"
	CodeIdempotencyInProgress  = "Idempotency.InProgress"
	CodeIdempotencyKeyRequired = "Idempotency.KeyRequired"

	CodeCheckoutProcessingFailed = "Checkout.ProcessingFailed"
	CodeRequestInvalid           = "Request.Invalid"
	CodeEventPublishFailed       = "Events.PublishFailed"
)

// Error is the typed failure returned by domain operations.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.New(code, ...)) works
// against sentinels declared in other packages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code string, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

func Wrap(code string, kind Kind, msg string, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: msg, Err: err}
}

func NotFound(code, msg string) *Error { return New(code, KindNotFound, msg) }

func Validation(code, msg string) *Error { return New(code, KindValidation, msg) }

func Conflict(code, msg string) *Error { return New(code, KindConflict, msg) }

// Persistence wraps a storage failure into the generic processing failure.
func Persistence(err error) *Error {
	return Wrap(CodeCheckoutProcessingFailed, KindPersistence, "", err)
}

// CodeOf returns the code of the first *Error in the chain, or "" when there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a kind onto a response status.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict, KindIdempotency:
		return http.StatusConflict
	case KindProviderRejected:
		return http.StatusPaymentRequired
	case KindProviderTransient:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
