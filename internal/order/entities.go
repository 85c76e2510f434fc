// Package order holds the order aggregate and its lifecycle state machine.
package order

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

// Status representa os possíveis estados de um pedido
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// Line is one order line. LineTotal is always UnitPrice x Quantity.
type Line struct {
	ProductID string      `json:"product_id"`
	Name      string      `json:"name"`
	SKU       string      `json:"sku"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
	LineTotal money.Money `json:"line_total"`
}

type AttemptStatus string

const (
	AttemptSuccessful AttemptStatus = "successful"
	AttemptFailed     AttemptStatus = "failed"
	AttemptPending    AttemptStatus = "pending"
)

// PaymentAttempt is append-only; it is never changed once recorded.
type PaymentAttempt struct {
	ID               uuid.UUID     `json:"id"`
	OrderID          uuid.UUID     `json:"order_id"`
	PaymentSessionID uuid.UUID     `json:"payment_session_id"`
	PaymentMethod    string        `json:"payment_method,omitempty"`
	AttemptedAt      time.Time     `json:"attempted_at"`
	Status           AttemptStatus `json:"status"`
	ErrorCode        string        `json:"error_code,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// Order representa um pedido no sistema
type Order struct {
	ID                uuid.UUID        `json:"id"`
	Number            string           `json:"number"`
	CustomerID        *uuid.UUID       `json:"customer_id,omitempty"`
	GuestEmail        string           `json:"guest_email,omitempty"`
	Status            Status           `json:"status"`
	Total             money.Money      `json:"total"`
	Billing           Address          `json:"billing_address"`
	Shipping          Address          `json:"shipping_address"`
	Lines             []Line           `json:"lines"`
	Attempts          []PaymentAttempt `json:"payment_attempts"`
	ProviderReference string           `json:"provider_reference,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`

	events []Event
}

// LineInput describes a line before pricing is applied.
type LineInput struct {
	ProductID string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice money.Money
}

type NewOrderParams struct {
	// ID and Number are generated when empty.
	ID         uuid.UUID
	Number     string
	CustomerID *uuid.UUID
	GuestEmail string
	Lines      []LineInput
	Billing    Address
	Shipping   Address
	Now        time.Time
}

const numberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewNumber builds an order number of the form SF-YYYYMMDD-XXXXXX.
func NewNumber(now time.Time) string {
	id := uuid.New()
	var b strings.Builder
	b.WriteString("SF-")
	b.WriteString(now.UTC().Format("20060102"))
	b.WriteByte('-')
	for i := 0; i < 6; i++ {
		b.WriteByte(numberAlphabet[int(id[i])%len(numberAlphabet)])
	}
	return b.String()
}

// CustomerKey identifies the buyer for auditing and receipts.
func (o *Order) CustomerKey() string {
	if o.CustomerID != nil {
		return o.CustomerID.String()
	}
	return o.GuestEmail
}

// Locked reports whether lines can no longer change.
func (o *Order) Locked() bool {
	return o.Status != StatusCreated && o.Status != StatusAwaitingPayment
}

// PaymentMethodUsed returns the method of the latest successful attempt.
func (o *Order) PaymentMethodUsed() string {
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		if o.Attempts[i].Status == AttemptSuccessful {
			return o.Attempts[i].PaymentMethod
		}
	}
	return ""
}

// FailedAttempts counts attempts that did not go through.
func (o *Order) FailedAttempts() int {
	n := 0
	for _, a := range o.Attempts {
		if a.Status == AttemptFailed {
			n++
		}
	}
	return n
}

// Clone returns a deep copy without pending events.
func (o *Order) Clone() *Order {
	c := *o
	c.events = nil
	c.Lines = append([]Line(nil), o.Lines...)
	c.Attempts = append([]PaymentAttempt(nil), o.Attempts...)
	if o.CustomerID != nil {
		id := *o.CustomerID
		c.CustomerID = &id
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// PullEvents returns the raised events and clears them.
func (o *Order) PullEvents() []Event {
	events := o.events
	o.events = nil
	return events
}

func (o *Order) raise(e Event) {
	o.events = append(o.events, e)
}
