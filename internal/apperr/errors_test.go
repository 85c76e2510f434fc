package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	sentinel := NotFound(CodeOrderNotFound, "order")
	err := fmt.Errorf("loading: %w", NotFound(CodeOrderNotFound, "order 42"))

	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, NotFound(CodeSessionNotFound, "")))
	assert.Equal(t, CodeOrderNotFound, CodeOf(err))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(New(CodeAuthRequired, KindAuth, "")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(New(CodeIdempotencyInProgress, KindIdempotency, "")))
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatus(New("Provider.Authorization.DECLINED", KindProviderRejected, "")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestUserMessage_NeverLeaksProviderText(t *testing.T) {
	assert.Equal(t, "Your payment was declined: insufficient funds.", UserMessage("Provider.Authorization.INSUFFICIENT_FUNDS"))
	assert.Contains(t, UserMessage("Provider.Authorization.SOMETHING_NEW"), "could not be authorized")
	assert.Contains(t, UserMessage("Provider.BAD_VALUE"), "rejected the request")
	assert.Equal(t, fallbackMessage, UserMessage("Unknown.Code"))
}

func TestPersistence_WrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence(cause)

	assert.Equal(t, CodeCheckoutProcessingFailed, err.Code)
	assert.ErrorIs(t, err, cause)
}
