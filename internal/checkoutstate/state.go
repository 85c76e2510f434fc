// Package checkoutstate keeps the client-side state of one checkout attempt
// and drives its steps against the checkout command surface.
//
// A State belongs to one shopper. Every mutation refreshes the inactivity
// timer and persists a Snapshot, so a reload resumes where the shopper left
// off until the timeout passes.
package checkoutstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

// DefaultTimeout is the inactivity window of a checkout.
const DefaultTimeout = 30 * time.Minute

// SnapshotVersion is bumped when the snapshot layout changes. Older versions
// are discarded on restore.
const SnapshotVersion = 1

// Snapshot is the persisted form of a State.
type Snapshot struct {
	Version          int            `json:"version"`
	Shipping         *order.Address `json:"shipping_address,omitempty"`
	DeliveryMethod   string         `json:"delivery_method,omitempty"`
	PaymentMethod    string         `json:"payment_method,omitempty"`
	PaymentSessionID uuid.UUID      `json:"payment_session_id"`
	OrderID          uuid.UUID      `json:"order_id"`
	GuestEmail       string         `json:"guest_email,omitempty"`
	TransactionID    string         `json:"transaction_id,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
}

// Store persists snapshots by checkout id.
type Store interface {
	// Load returns nil when nothing is stored.
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type Options struct {
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

type State struct {
	id      string
	store   Store
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	snap Snapshot
	// stop is closed by Clear so watchers and pollers of this attempt exit.
	stop chan struct{}
}

func New(id string, store Store, opts Options) *State {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &State{
		id:      id,
		store:   store,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  opts.Logger,
		snap:    Snapshot{Version: SnapshotVersion},
		stop:    make(chan struct{}),
	}
}

func (s *State) ID() string { return s.id }

// Restore loads the stored snapshot. It reports false when there is none, when
// it cannot be parsed or when it has already expired; the last two are deleted.
func (s *State) Restore(ctx context.Context) (bool, error) {
	data, err := s.store.Load(ctx, s.id)
	if err != nil {
		return false, fmt.Errorf("failed to load checkout state: %w", err)
	}
	if data == nil {
		return false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Version != SnapshotVersion {
		s.logger.WarnContext(ctx, "discarding unreadable checkout state", slog.String("checkout_id", s.id))
		_ = s.store.Delete(ctx, s.id)
		return false, nil
	}
	if !snap.StartedAt.IsZero() && s.now().After(snap.StartedAt.Add(s.timeout)) {
		_ = s.store.Delete(ctx, s.id)
		return false, nil
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return true, nil
}

// errExpired is returned by a mutation that arrives after the timeout. The
// state has been cleared by then.
func errExpired() error {
	return apperr.Conflict(apperr.CodeSessionExpired, "checkout expired")
}

// update applies fn, refreshes the start timestamp and persists the result.
// Past the timeout it clears everything instead and returns Session.Expired.
func (s *State) update(ctx context.Context, fn func(*Snapshot)) error {
	s.mu.Lock()
	if !s.snap.StartedAt.IsZero() && s.now().After(s.snap.StartedAt.Add(s.timeout)) {
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "checkout expired", slog.String("checkout_id", s.id))
		if err := s.Clear(ctx); err != nil {
			return err
		}
		return errExpired()
	}
	fn(&s.snap)
	s.snap.Version = SnapshotVersion
	s.snap.StartedAt = s.now()
	select {
	case <-s.stop:
		s.stop = make(chan struct{})
	default:
	}
	snap := s.snap
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode checkout state: %w", err)
	}
	if err := s.store.Save(ctx, s.id, data, s.timeout); err != nil {
		return fmt.Errorf("failed to save checkout state: %w", err)
	}
	return nil
}

func (s *State) SetShipping(ctx context.Context, addr order.Address) error {
	return s.update(ctx, func(snap *Snapshot) { snap.Shipping = &addr })
}

func (s *State) SetDelivery(ctx context.Context, method string) error {
	return s.update(ctx, func(snap *Snapshot) { snap.DeliveryMethod = method })
}

func (s *State) SetPayment(ctx context.Context, method string) error {
	return s.update(ctx, func(snap *Snapshot) { snap.PaymentMethod = method })
}

func (s *State) SetGuestEmail(ctx context.Context, email string) error {
	return s.update(ctx, func(snap *Snapshot) { snap.GuestEmail = email })
}

// AttachPaymentSession records the session and order created for this checkout.
func (s *State) AttachPaymentSession(ctx context.Context, sessionID, orderID uuid.UUID) error {
	return s.update(ctx, func(snap *Snapshot) {
		snap.PaymentSessionID = sessionID
		snap.OrderID = orderID
	})
}

// SetTransaction sets the id sent as the idempotency key.
func (s *State) SetTransaction(ctx context.Context, id string) error {
	return s.update(ctx, func(snap *Snapshot) { snap.TransactionID = id })
}

// IsComplete reports whether shipping, delivery and payment are all chosen.
func (s *State) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Shipping != nil && s.snap.DeliveryMethod != "" && s.snap.PaymentMethod != ""
}

// ExpiresAt is zero until the first mutation.
func (s *State) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.StartedAt.IsZero() {
		return time.Time{}
	}
	return s.snap.StartedAt.Add(s.timeout)
}

// Expired reports whether now is past ExpiresAt.
func (s *State) Expired() bool {
	at := s.ExpiresAt()
	return !at.IsZero() && s.now().After(at)
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if snap.Shipping != nil {
		addr := *snap.Shipping
		snap.Shipping = &addr
	}
	return snap
}

// Clear drops all state, deletes the stored snapshot and stops the watchers
// of this attempt.
func (s *State) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.snap = Snapshot{Version: SnapshotVersion}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, s.id); err != nil {
		return fmt.Errorf("failed to delete checkout state: %w", err)
	}
	return nil
}

// stopped returns the channel closed by the next Clear.
func (s *State) stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}
