package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

// Tx is one unit of work over orders, their lines and attempts, and payment
// sessions. Nothing written through it is visible until the surrounding
// WithinTx returns nil.
type Tx interface {
	// LockOrder loads the order and holds its row lock until the end of the unit.
	LockOrder(ctx context.Context, id uuid.UUID) (*order.Order, error)
	// InsertOrder fails with Order.DuplicateNumber when the number is taken.
	InsertOrder(ctx context.Context, o *order.Order) error
	// SaveOrder writes status, lines, totals and any attempts not yet stored.
	SaveOrder(ctx context.Context, o *order.Order) error
	OrderByNumber(ctx context.Context, number string) (*order.Order, error)

	// ActiveSession returns the open session of an order, or nil.
	ActiveSession(ctx context.Context, orderID uuid.UUID) (*Session, error)
	// GetSession loads and locks a session.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	SessionByProviderOrder(ctx context.Context, providerOrderID string) (*Session, error)
	SessionByProviderSession(ctx context.Context, providerSessionID string) (*Session, error)
	InsertSession(ctx context.Context, s *Session) error
	SaveSession(ctx context.Context, s *Session) error
}

// Store opens units of work and serves read-only lookups.
type Store interface {
	// WithinTx commits when fn returns nil and rolls back otherwise, including
	// when fn panics.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Order(ctx context.Context, id uuid.UUID) (*order.Order, error)
	Session(ctx context.Context, id uuid.UUID) (*Session, error)
}

// EventSink receives the events raised by a committed unit of work.
type EventSink interface {
	Publish(ctx context.Context, events ...order.Event) error
}
