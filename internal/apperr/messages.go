package apperr

import "strings"

var messages = map[string]string{
	CodeAuthRequired:             "Please sign in to continue.",
	CodeAuthInvalid:              "Your session is no longer valid. Please sign in again.",
	CodeOrderNotFound:            "We could not find that order.",
	CodeOrderValidation:          "Some order details are invalid. Please review your cart.",
	CodeOrderInvalidTransition:   "This order can no longer be changed.",
	CodeOrderDuplicateNumber:     "We could not place your order. Please try again.",
	CodeOrderLocked:              "This order can no longer be changed.",
	CodeMoneyCurrencyMismatch:    "All items in an order must use the same currency.",
	CodeSessionNotFound:          "Your payment session could not be found. Please start checkout again.",
	CodeSessionExpired:           "Your payment session has expired. Please start checkout again.",
	CodeSessionOrderNotPayable:   "This order is not awaiting payment.",
	CodeSessionAmountMismatch:    "Your cart changed. Please review the total and pay again.",
	CodeSessionInvalidState:      "This payment can no longer be completed.",
	CodeProviderCaptureFailed:    "We could not finalize your payment. Our team has been notified.",
	CodeProviderInvalid:          "The payment provider returned an unexpected response. Please try again.",
	CodeProviderUnavailable:      "Payments are temporarily unavailable. Please try again in a few minutes.",
	CodeProviderTimeout:          "The payment provider did not respond in time. Please try again.",
	CodeProviderCircuitOpen:      "Payments are temporarily unavailable. Please try again in a few minutes.",
	CodeIdempotencyUnavailable:   "",
	CodeIdempotencyInProgress:    "Your request is already being processed.",
	CodeIdempotencyKeyRequired:   "A request identifier is required.",
	CodeCheckoutProcessingFailed: "Something went wrong while processing your order. Please try again.",
	CodeRequestInvalid:           "The request could not be understood.",

	CodeProviderAuthPrefix + "INSUFFICIENT_FUNDS": "Your payment was declined: insufficient funds.",
	CodeProviderAuthPrefix + "DECLINED":           "Your payment was declined. Please choose another payment method.",
	CodeProviderAuthPrefix + "EXPIRED_TOKEN":      "Your payment authorization expired. Please try again.",
}

// prefixed messages are used when no exact code is registered.
var prefixed = []struct {
	prefix string
	msg    string
}{
	{CodeProviderAuthPrefix, "Your payment could not be authorized. Please choose another payment method."},
	{CodeProviderPrefix, "The payment provider rejected the request. Please try again."},
}

const fallbackMessage = "Something went wrong. Please try again."

// UserMessage returns the user-visible text for a code.
func UserMessage(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	for _, p := range prefixed {
		if strings.HasPrefix(code, p.prefix) {
			return p.msg
		}
	}
	return fallbackMessage
}
