package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

// Memory is an in-process payment.Store. Units of work are serialized and
// staged, so a failed or panicking unit leaves nothing behind.
type Memory struct {
	mu       sync.RWMutex
	orders   map[uuid.UUID]*order.Order
	sessions map[uuid.UUID]*payment.Session
	logger   *slog.Logger
}

func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[uuid.UUID]*order.Order),
		sessions: make(map[uuid.UUID]*payment.Session),
		logger:   slog.Default(),
	}
}

func cloneSession(s *payment.Session) *payment.Session {
	c := *s
	c.PaymentMethods = append([]string(nil), s.PaymentMethods...)
	return &c
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:        m,
		orders:   make(map[uuid.UUID]*order.Order),
		sessions: make(map[uuid.UUID]*payment.Session),
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "panic in unit of work, rolled back", slog.Any("panic", r))
			err = apperr.Persistence(fmt.Errorf("panic in transaction: %v", r))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return typedOrPersistence(err)
	}
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for id, s := range tx.sessions {
		m.sessions[id] = s
	}
	return nil
}

func (m *Memory) Order(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	return o.Clone(), nil
}

func (m *Memory) Session(_ context.Context, id uuid.UUID) (*payment.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sessionNotFound(id.String())
	}
	return cloneSession(s), nil
}

// memTx stages writes; reads see staged values first.
type memTx struct {
	m        *Memory
	orders   map[uuid.UUID]*order.Order
	sessions map[uuid.UUID]*payment.Session
}

func (t *memTx) order(id uuid.UUID) (*order.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.m.orders[id]
	return o, ok
}

func (t *memTx) eachOrder(fn func(o *order.Order) bool) {
	for _, o := range t.orders {
		if !fn(o) {
			return
		}
	}
	for id, o := range t.m.orders {
		if _, staged := t.orders[id]; staged {
			continue
		}
		if !fn(o) {
			return
		}
	}
}

func (t *memTx) eachSession(fn func(s *payment.Session) bool) {
	for _, s := range t.sessions {
		if !fn(s) {
			return
		}
	}
	for id, s := range t.m.sessions {
		if _, staged := t.sessions[id]; staged {
			continue
		}
		if !fn(s) {
			return
		}
	}
}

func (t *memTx) LockOrder(_ context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, orderNotFound(id)
	}
	return o.Clone(), nil
}

func (t *memTx) InsertOrder(_ context.Context, o *order.Order) error {
	duplicate := false
	t.eachOrder(func(existing *order.Order) bool {
		if existing.ID == o.ID || existing.Number == o.Number {
			duplicate = true
			return false
		}
		return true
	})
	if duplicate {
		return duplicateNumber(o.Number)
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) SaveOrder(_ context.Context, o *order.Order) error {
	if _, ok := t.order(o.ID); !ok {
		return orderNotFound(o.ID)
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) OrderByNumber(_ context.Context, number string) (*order.Order, error) {
	var found *order.Order
	t.eachOrder(func(o *order.Order) bool {
		if o.Number == number {
			found = o
			return false
		}
		return true
	})
	if found == nil {
		return nil, apperr.NotFound(apperr.CodeOrderNotFound, "order "+number)
	}
	return found.Clone(), nil
}

func (t *memTx) ActiveSession(_ context.Context, orderID uuid.UUID) (*payment.Session, error) {
	var active *payment.Session
	t.eachSession(func(s *payment.Session) bool {
		if s.OrderID == orderID && s.Status.Open() {
			if active == nil || s.CreatedAt.After(active.CreatedAt) {
				active = s
			}
		}
		return true
	})
	if active == nil {
		return nil, nil
	}
	return cloneSession(active), nil
}

func (t *memTx) findSession(match func(s *payment.Session) bool) *payment.Session {
	var found *payment.Session
	t.eachSession(func(s *payment.Session) bool {
		if match(s) {
			found = s
			return false
		}
		return true
	})
	return found
}

func (t *memTx) GetSession(_ context.Context, id uuid.UUID) (*payment.Session, error) {
	s := t.findSession(func(s *payment.Session) bool { return s.ID == id })
	if s == nil {
		return nil, sessionNotFound(id.String())
	}
	return cloneSession(s), nil
}

func (t *memTx) SessionByProviderOrder(_ context.Context, providerOrderID string) (*payment.Session, error) {
	s := t.findSession(func(s *payment.Session) bool {
		return providerOrderID != "" && s.ProviderOrderID == providerOrderID
	})
	if s == nil {
		return nil, sessionNotFound(providerOrderID)
	}
	return cloneSession(s), nil
}

func (t *memTx) SessionByProviderSession(_ context.Context, providerSessionID string) (*payment.Session, error) {
	s := t.findSession(func(s *payment.Session) bool {
		return providerSessionID != "" && s.ProviderSessionID == providerSessionID
	})
	if s == nil {
		return nil, sessionNotFound(providerSessionID)
	}
	return cloneSession(s), nil
}

func (t *memTx) InsertSession(_ context.Context, s *payment.Session) error {
	if _, ok := t.order(s.OrderID); !ok {
		return orderNotFound(s.OrderID)
	}
	if t.openClash(s) {
		return openSessionConflict()
	}
	t.sessions[s.ID] = cloneSession(s)
	return nil
}

func (t *memTx) SaveSession(_ context.Context, s *payment.Session) error {
	if t.findSession(func(other *payment.Session) bool { return other.ID == s.ID }) == nil {
		return sessionNotFound(s.ID.String())
	}
	if t.openClash(s) {
		return openSessionConflict()
	}
	t.sessions[s.ID] = cloneSession(s)
	return nil
}

// openClash reports whether writing s would leave its order with two open
// sessions, matching the payment_sessions_one_open index.
func (t *memTx) openClash(s *payment.Session) bool {
	if !s.Status.Open() {
		return false
	}
	var clash bool
	t.eachSession(func(other *payment.Session) bool {
		clash = other.ID != s.ID && other.OrderID == s.OrderID && other.Status.Open()
		return !clash
	})
	return clash
}

func openSessionConflict() error {
	return apperr.Conflict(apperr.CodeSessionInvalidState, "order already has an open payment session")
}
