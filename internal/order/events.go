package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

// EventKind tags each event variant.
type EventKind string

const (
	KindOrderCreated    EventKind = "OrderCreated"
	KindPaymentStarted  EventKind = "PaymentStarted"
	KindOrderPaid       EventKind = "OrderPaid"
	KindPaymentFailed   EventKind = "PaymentFailed"
	KindOrderProcessing EventKind = "OrderProcessing"
	KindOrderCompleted  EventKind = "OrderCompleted"
	KindOrderCancelled  EventKind = "OrderCancelled"
	KindOrderFailed     EventKind = "OrderFailed"
)

// Family groups kinds onto one broker topic.
type Family string

const (
	FamilyOrders   Family = "orders"
	FamilyPayments Family = "payments"
)

// Event is a domain fact raised by the aggregate. EventID is stable across
// redeliveries so consumers can deduplicate on it.
type Event interface {
	EventID() uuid.UUID
	Kind() EventKind
	Family() Family
	OccurredAt() time.Time
	AggregateID() uuid.UUID
}

type EventBase struct {
	ID      uuid.UUID `json:"event_id"`
	OrderID uuid.UUID `json:"order_id"`
	At      time.Time `json:"occurred_at"`
}

func newBase(orderID uuid.UUID, at time.Time) EventBase {
	return EventBase{ID: uuid.New(), OrderID: orderID, At: at.UTC()}
}

func (b EventBase) EventID() uuid.UUID     { return b.ID }
func (b EventBase) OccurredAt() time.Time  { return b.At }
func (b EventBase) AggregateID() uuid.UUID { return b.OrderID }

type OrderCreated struct {
	EventBase
	Number     string      `json:"order_number"`
	Total      money.Money `json:"total"`
	CustomerID *uuid.UUID  `json:"customer_id,omitempty"`
	GuestEmail string      `json:"guest_email,omitempty"`
}

func (OrderCreated) Kind() EventKind { return KindOrderCreated }
func (OrderCreated) Family() Family  { return FamilyOrders }

type PaymentStarted struct {
	EventBase
	Number string      `json:"order_number"`
	Amount money.Money `json:"amount"`
}

func (PaymentStarted) Kind() EventKind { return KindPaymentStarted }
func (PaymentStarted) Family() Family  { return FamilyPayments }

type OrderPaid struct {
	EventBase
	Number           string      `json:"order_number"`
	Amount           money.Money `json:"amount"`
	PaymentSessionID uuid.UUID   `json:"payment_session_id"`
	AttemptID        uuid.UUID   `json:"attempt_id"`
	PaymentMethod    string      `json:"payment_method,omitempty"`
}

func (OrderPaid) Kind() EventKind { return KindOrderPaid }
func (OrderPaid) Family() Family  { return FamilyPayments }

type PaymentFailed struct {
	EventBase
	PaymentSessionID uuid.UUID `json:"payment_session_id"`
	AttemptID        uuid.UUID `json:"attempt_id"`
	PaymentMethod    string    `json:"payment_method,omitempty"`
	ErrorCode        string    `json:"error_code"`
}

func (PaymentFailed) Kind() EventKind { return KindPaymentFailed }
func (PaymentFailed) Family() Family  { return FamilyPayments }

type OrderProcessing struct {
	EventBase
	Number string `json:"order_number"`
}

func (OrderProcessing) Kind() EventKind { return KindOrderProcessing }
func (OrderProcessing) Family() Family  { return FamilyOrders }

type OrderCompleted struct {
	EventBase
	Number        string      `json:"order_number"`
	Total         money.Money `json:"total"`
	CustomerID    *uuid.UUID  `json:"customer_id,omitempty"`
	GuestEmail    string      `json:"guest_email,omitempty"`
	PaymentMethod string      `json:"payment_method,omitempty"`
	CompletedAt   time.Time   `json:"completed_at"`
}

func (OrderCompleted) Kind() EventKind { return KindOrderCompleted }
func (OrderCompleted) Family() Family  { return FamilyOrders }

type OrderCancelled struct {
	EventBase
	Number string `json:"order_number"`
	Reason string `json:"reason,omitempty"`
}

func (OrderCancelled) Kind() EventKind { return KindOrderCancelled }
func (OrderCancelled) Family() Family  { return FamilyOrders }

type OrderFailed struct {
	EventBase
	Number string `json:"order_number"`
	Reason string `json:"reason,omitempty"`
}

func (OrderFailed) Kind() EventKind { return KindOrderFailed }
func (OrderFailed) Family() Family  { return FamilyOrders }

// Kinds lists every event variant.
var Kinds = []EventKind{
	KindOrderCreated, KindPaymentStarted, KindOrderPaid, KindPaymentFailed,
	KindOrderProcessing, KindOrderCompleted, KindOrderCancelled, KindOrderFailed,
}

// DecodeEvent rebuilds the concrete event for kind from its JSON body.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	var (
		e   Event
		err error
	)
	switch kind {
	case KindOrderCreated:
		e, err = decode[OrderCreated](data)
	case KindPaymentStarted:
		e, err = decode[PaymentStarted](data)
	case KindOrderPaid:
		e, err = decode[OrderPaid](data)
	case KindPaymentFailed:
		e, err = decode[PaymentFailed](data)
	case KindOrderProcessing:
		e, err = decode[OrderProcessing](data)
	case KindOrderCompleted:
		e, err = decode[OrderCompleted](data)
	case KindOrderCancelled:
		e, err = decode[OrderCancelled](data)
	case KindOrderFailed:
		e, err = decode[OrderFailed](data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return e, nil
}

func decode[E Event](data []byte) (Event, error) {
	var v E
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
