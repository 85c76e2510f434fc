package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/idempotency"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

type NotificationType string

const (
	NotifyOrderAuthorized NotificationType = "order.authorized"
	NotifyOrderCaptured   NotificationType = "order.captured"
	NotifyPaymentFailed   NotificationType = "payment.failed"
	NotifySessionExpired  NotificationType = "session.expired"
)

// Notification is a provider push. Delivery is at least once.
type Notification struct {
	EventID           string           `json:"event_id"`
	Type              NotificationType `json:"event_type"`
	ProviderSessionID string           `json:"session_id,omitempty"`
	ProviderOrderID   string           `json:"order_id,omitempty"`
	ErrorCode         string           `json:"error_code,omitempty"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

func (n Notification) dedupeKey() string {
	if n.EventID != "" {
		return n.EventID
	}
	return string(n.Type) + ":" + n.ProviderSessionID + ":" + n.ProviderOrderID
}

// HandleNotification applies a provider push once. Redeliveries are absorbed
// by the idempotency guard and by the session state checks.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) error {
	ctx, span := m.tracer.Start(ctx, "payment.notification")
	defer span.End()

	key := "payment.webhook:" + n.dedupeKey()
	claim, err := m.guard.Begin(ctx, key)
	if err != nil {
		return err
	}
	switch claim.Status {
	case idempotency.ClaimReplay:
		m.logger.DebugContext(ctx, "duplicate provider notification", slog.String("event_id", n.EventID))
		return nil
	case idempotency.ClaimInProgress:
		return inProgress("notification")
	}

	var events []order.Event
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		events, err = m.applyNotification(ctx, tx, n)
		return err
	})
	if err != nil {
		m.guard.Release(ctx, key)
		span.RecordError(err)
		m.logger.WarnContext(ctx, "failed to apply provider notification",
			slog.String("event_type", string(n.Type)), slog.String("code", apperr.CodeOf(err)), slog.Any("error", err))
		return err
	}
	m.guard.Complete(ctx, key, nil)
	m.publish(ctx, events)
	return nil
}

func (m *Manager) sessionFor(ctx context.Context, tx Tx, n Notification) (*Session, error) {
	if n.ProviderSessionID != "" {
		return tx.SessionByProviderSession(ctx, n.ProviderSessionID)
	}
	return tx.SessionByProviderOrder(ctx, n.ProviderOrderID)
}

func (m *Manager) applyNotification(ctx context.Context, tx Tx, n Notification) ([]order.Event, error) {
	switch n.Type {
	case NotifyOrderAuthorized:
		s, err := m.sessionFor(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		if !s.Status.Open() {
			return nil, nil
		}
		return m.recordOutcome(ctx, tx, s, n.ProviderOrderID, "")

	case NotifyPaymentFailed:
		s, err := m.sessionFor(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		if !s.Status.Open() {
			return nil, nil
		}
		code := apperr.CodeProviderAuthPrefix + "DECLINED"
		if n.ErrorCode != "" {
			code = apperr.CodeProviderAuthPrefix + n.ErrorCode
		}
		return m.recordOutcome(ctx, tx, s, "", code)

	case NotifyOrderCaptured:
		s, err := tx.SessionByProviderOrder(ctx, n.ProviderOrderID)
		if err != nil {
			return nil, err
		}
		if s.Status != SessionAuthorized {
			return nil, nil
		}
		return m.markCaptured(ctx, tx, s.ID)

	case NotifySessionExpired:
		s, err := m.sessionFor(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		if !s.Status.Open() {
			return nil, nil
		}
		s.expire(m.now())
		return nil, tx.SaveSession(ctx, s)

	default:
		m.logger.WarnContext(ctx, "ignoring unknown provider notification", slog.String("event_type", string(n.Type)))
		return nil, nil
	}
}

// recordOutcome records an attempt for a session that was open when the push
// was matched. The session is reloaded under the order lock. An empty
// errorCode means the provider authorized the payment.
func (m *Manager) recordOutcome(ctx context.Context, tx Tx, s *Session, providerOrderID, errorCode string) ([]order.Event, error) {
	lo, err := tx.LockOrder(ctx, s.OrderID)
	if err != nil {
		return nil, err
	}
	if lo.Status != order.StatusAwaitingPayment {
		return nil, nil
	}
	ls, err := tx.GetSession(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if err := m.recordAttempt(ctx, tx, lo, ls, providerOrderID, errorCode); err != nil {
		return nil, err
	}
	return lo.PullEvents(), nil
}
