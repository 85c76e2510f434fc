// Package gateway talks to the external payment provider.
//
// The session manager depends only on Provider. KlarnaClient is the one
// implementation; every call it makes runs through the retry policy and the
// circuit breaker, and amounts leave the process as integer minor units.
package gateway

import (
	"context"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

// LineItem mirrors an order line.
type LineItem struct {
	Name      string
	Reference string
	Quantity  int
	UnitPrice money.Money
	Total     money.Money
}

// SessionRequest describes the purchase. Reference is the merchant order reference.
type SessionRequest struct {
	Reference string
	Country   string
	Locale    string
	Amount    money.Money
	Lines     []LineItem
	Intent    string
}

type Session struct {
	SessionID      string
	ClientToken    string
	PaymentMethods []string
}

type AuthorizeRequest struct {
	AuthToken string
	Country   string
	Amount    money.Money
	Lines     []LineItem
}

type Authorization struct {
	ProviderOrderID string
	FraudStatus     string
	RedirectURL     string
}

type Capture struct {
	CaptureID string
}

// Provider is the provider-agnostic payment API.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	// Capture must be safe to repeat with the same idempotency key.
	Capture(ctx context.Context, providerOrderID, idempotencyKey string) (*Capture, error)
}
