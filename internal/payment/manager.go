// Package payment creates, authorizes and captures provider payment sessions and
// applies their outcome to the order inside one unit of work.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/gateway"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/idempotency"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

type Options struct {
	SessionTTL     time.Duration
	DefaultCountry string
	DefaultLocale  string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Manager orquestra as sessões de pagamento junto ao provedor
type Manager struct {
	store    Store
	provider gateway.Provider
	guard    *idempotency.Guard
	events   EventSink

	ttl     time.Duration
	country string
	locale  string
	logger  *slog.Logger
	now     func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewManager cria uma nova instância de Manager
func NewManager(store Store, provider gateway.Provider, guard *idempotency.Guard, events EventSink, opts Options) *Manager {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.DefaultCountry == "" {
		opts.DefaultCountry = "US"
	}
	if opts.DefaultLocale == "" {
		opts.DefaultLocale = "en-US"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	outcomes, _ := otel.Meter("storefront/payment").Int64Counter("payment.authorizations")
	return &Manager{
		store:    store,
		provider: provider,
		guard:    guard,
		events:   events,
		ttl:      opts.SessionTTL,
		country:  opts.DefaultCountry,
		locale:   opts.DefaultLocale,
		logger:   opts.Logger,
		now:      opts.Now,
		tracer:   otel.Tracer("storefront/payment"),
		outcomes: outcomes,
	}
}

// AuthorizeResult is the outcome of a successful authorization.
type AuthorizeResult struct {
	Session         *Session
	OrderID         uuid.UUID
	ProviderOrderID string
	// Replayed is set when the session had already been authorized.
	Replayed bool
}

func priorResult(s *Session) (*AuthorizeResult, bool) {
	if s.Status != SessionAuthorized && s.Status != SessionCaptured {
		return nil, false
	}
	return &AuthorizeResult{Session: s, OrderID: s.OrderID, ProviderOrderID: s.ProviderOrderID, Replayed: true}, true
}

func notPayable(o *order.Order) error {
	return apperr.Conflict(apperr.CodeSessionOrderNotPayable, fmt.Sprintf("order %s is %s", o.Number, o.Status))
}

func amountMismatch(want, got fmt.Stringer) error {
	return apperr.Conflict(apperr.CodeSessionAmountMismatch, fmt.Sprintf("session amount %s, order total %s", want, got))
}

func inProgress(what string) error {
	return apperr.New(apperr.CodeIdempotencyInProgress, apperr.KindIdempotency, what+" already in progress")
}

// LineItems mirrors the order lines for the provider.
func LineItems(o *order.Order) []gateway.LineItem {
	items := make([]gateway.LineItem, len(o.Lines))
	for i, l := range o.Lines {
		items[i] = gateway.LineItem{
			Name:      l.Name,
			Reference: l.SKU,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Total:     l.LineTotal,
		}
	}
	return items
}

func (m *Manager) countryOf(o *order.Order) string {
	switch {
	case o.Shipping.Country != "":
		return o.Shipping.Country
	case o.Billing.Country != "":
		return o.Billing.Country
	default:
		return m.country
	}
}

// CreateSession opens a provider session for an order awaiting payment. Any
// session still open for the order is expired in the same unit of work.
func (m *Manager) CreateSession(ctx context.Context, orderID uuid.UUID, paymentMethod, locale string) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "payment.create_session")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID.String()))

	o, err := m.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusAwaitingPayment {
		return nil, notPayable(o)
	}
	if locale == "" {
		locale = m.locale
	}

	remote, err := m.provider.CreateSession(ctx, gateway.SessionRequest{
		Reference: o.Number,
		Country:   m.countryOf(o),
		Locale:    locale,
		Amount:    o.Total,
		Lines:     LineItems(o),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider session failed")
		m.logger.WarnContext(ctx, "provider session creation failed",
			slog.String("order_id", o.ID.String()), slog.String("code", apperr.CodeOf(err)), slog.Any("error", err))
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:                uuid.New(),
		OrderID:           o.ID,
		ProviderSessionID: remote.SessionID,
		ClientToken:       remote.ClientToken,
		Status:            SessionCreated,
		ExpiresAt:         now.Add(m.ttl),
		PaymentMethod:     paymentMethod,
		PaymentMethods:    remote.PaymentMethods,
		Locale:            locale,
		Amount:            o.Total,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = m.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if locked.Status != order.StatusAwaitingPayment {
			return notPayable(locked)
		}
		if !locked.Total.Equal(s.Amount) {
			return amountMismatch(s.Amount, locked.Total)
		}

		prev, err := tx.ActiveSession(ctx, o.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			prev.expire(now)
			if err := tx.SaveSession(ctx, prev); err != nil {
				return err
			}
			m.logger.InfoContext(ctx, "superseded payment session",
				slog.String("order_id", o.ID.String()), slog.String("session_id", prev.ID.String()))
		}
		return tx.InsertSession(ctx, s)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("session_id", s.ID.String()))
	m.logger.InfoContext(ctx, "payment session created",
		slog.String("order_id", o.ID.String()), slog.String("session_id", s.ID.String()),
		slog.Time("expires_at", s.ExpiresAt))
	return s, nil
}

// checkAuthorizable rejects sessions that can no longer be authorized. A
// session found past its expiry is persisted as expired before returning.
func (m *Manager) checkAuthorizable(ctx context.Context, s *Session) error {
	switch s.Status {
	case SessionExpired:
		return apperr.New(apperr.CodeSessionExpired, apperr.KindValidation, "payment session expired")
	case SessionFailed:
		return apperr.Conflict(apperr.CodeSessionInvalidState, "payment session failed")
	}
	now := m.now()
	if !s.Expired(now) {
		return nil
	}

	err := m.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.GetSession(ctx, s.ID)
		if err != nil {
			return err
		}
		if !locked.Status.Open() {
			return nil
		}
		locked.expire(now)
		return tx.SaveSession(ctx, locked)
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to persist expired session",
			slog.String("session_id", s.ID.String()), slog.Any("error", err))
	}
	return apperr.New(apperr.CodeSessionExpired, apperr.KindValidation, "payment session expired")
}

// Authorize exchanges the client's authorization token for a provider order.
// Failures are recorded as failed attempts and returned; the order stays
// awaiting payment.
func (m *Manager) Authorize(ctx context.Context, sessionID uuid.UUID, authToken string) (*AuthorizeResult, error) {
	ctx, span := m.tracer.Start(ctx, "payment.authorize")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID.String()))

	s, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if res, ok := priorResult(s); ok {
		return res, nil
	}
	if err := m.checkAuthorizable(ctx, s); err != nil {
		return nil, err
	}

	o, err := m.store.Order(ctx, s.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusAwaitingPayment {
		return nil, notPayable(o)
	}
	if !o.Total.Equal(s.Amount) {
		return nil, amountMismatch(s.Amount, o.Total)
	}

	key := "payment.authorize:" + s.ID.String()
	claim, err := m.guard.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	switch claim.Status {
	case idempotency.ClaimInProgress:
		return nil, inProgress("authorization")
	case idempotency.ClaimReplay:
		current, err := m.store.Session(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if res, ok := priorResult(current); ok {
			return res, nil
		}
		return nil, apperr.Conflict(apperr.CodeSessionInvalidState, "session is not authorized")
	}

	auth, callErr := m.provider.Authorize(ctx, gateway.AuthorizeRequest{
		AuthToken: authToken,
		Country:   m.countryOf(o),
		Amount:    s.Amount,
		Lines:     LineItems(o),
	})

	var (
		result *AuthorizeResult
		events []order.Event
	)
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		lo, err := tx.LockOrder(ctx, s.OrderID)
		if err != nil {
			return err
		}
		ls, err := tx.GetSession(ctx, s.ID)
		if err != nil {
			return err
		}
		if res, ok := priorResult(ls); ok {
			result = res
			return nil
		}

		var providerOrderID, code string
		if callErr != nil {
			code = apperr.CodeOf(callErr)
			if code == "" {
				code = apperr.CodeCheckoutProcessingFailed
			}
		} else {
			providerOrderID = auth.ProviderOrderID
		}
		if err := m.recordAttempt(ctx, tx, lo, ls, providerOrderID, code); err != nil {
			return err
		}
		events = lo.PullEvents()
		result = &AuthorizeResult{Session: ls, OrderID: lo.ID, ProviderOrderID: ls.ProviderOrderID}
		return nil
	})
	if err != nil {
		m.guard.Release(ctx, key)
		span.RecordError(err)
		m.logger.ErrorContext(ctx, "failed to record authorization",
			slog.String("session_id", s.ID.String()), slog.String("code", apperr.CodeOf(err)), slog.Any("error", err))
		return nil, err
	}
	m.publish(ctx, events)
	if result.Replayed {
		m.guard.Complete(ctx, key, nil)
		return result, nil
	}

	if callErr != nil {
		m.guard.Release(ctx, key)
		m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		span.RecordError(callErr)
		span.SetStatus(codes.Error, apperr.CodeOf(callErr))
		m.logger.WarnContext(ctx, "authorization failed",
			slog.String("order_id", s.OrderID.String()), slog.String("session_id", s.ID.String()),
			slog.String("code", apperr.CodeOf(callErr)), slog.Int("attempt", result.Session.AttemptCount))
		return nil, callErr
	}

	m.guard.Complete(ctx, key, nil)
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "authorized")))
	m.logger.InfoContext(ctx, "payment authorized",
		slog.String("order_id", result.OrderID.String()), slog.String("session_id", s.ID.String()),
		slog.String("provider_order_id", result.ProviderOrderID))
	return result, nil
}

// Capture captures an authorized provider order. Repeated calls never capture
// twice: a captured session returns immediately and the provider call carries
// an idempotency key derived from the provider order id.
func (m *Manager) Capture(ctx context.Context, providerOrderID string) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "payment.capture")
	defer span.End()
	span.SetAttributes(attribute.String("provider_order_id", providerOrderID))

	var s *Session
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		s, err = tx.SessionByProviderOrder(ctx, providerOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.Status == SessionCaptured {
		return s, nil
	}
	if s.Status != SessionAuthorized {
		return nil, apperr.Conflict(apperr.CodeSessionInvalidState, fmt.Sprintf("session is %s", s.Status))
	}

	key, err := idempotency.DeriveKey("payment.capture", providerOrderID, 0, time.Time{})
	if err != nil {
		return nil, err
	}
	claim, err := m.guard.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	switch claim.Status {
	case idempotency.ClaimInProgress:
		return nil, inProgress("capture")
	case idempotency.ClaimReplay:
		return m.store.Session(ctx, s.ID)
	}

	if _, err := m.provider.Capture(ctx, providerOrderID, key); err != nil {
		m.guard.Release(ctx, key)
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		m.logger.ErrorContext(ctx, "capture failed",
			slog.String("session_id", s.ID.String()), slog.String("code", apperr.CodeOf(err)), slog.Any("error", err))
		return nil, err
	}

	var events []order.Event
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		events, err = m.markCaptured(ctx, tx, s.ID)
		return err
	})
	if err != nil {
		m.guard.Release(ctx, key)
		return nil, err
	}
	m.guard.Complete(ctx, key, nil)
	m.publish(ctx, events)
	s.Status = SessionCaptured

	m.logger.InfoContext(ctx, "payment captured",
		slog.String("order_id", s.OrderID.String()), slog.String("session_id", s.ID.String()))
	return s, nil
}

// markCaptured flips an authorized session to captured and starts processing
// its order when it is paid.
func (m *Manager) markCaptured(ctx context.Context, tx Tx, sessionID uuid.UUID) ([]order.Event, error) {
	ls, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ls.Status == SessionCaptured {
		return nil, nil
	}
	if ls.Status != SessionAuthorized {
		return nil, apperr.Conflict(apperr.CodeSessionInvalidState, fmt.Sprintf("session is %s", ls.Status))
	}
	lo, err := tx.LockOrder(ctx, ls.OrderID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	ls.Status = SessionCaptured
	ls.UpdatedAt = now
	if lo.Status == order.StatusPaid {
		if err := lo.StartProcessing(now); err != nil {
			return nil, err
		}
		if err := tx.SaveOrder(ctx, lo); err != nil {
			return nil, err
		}
	}
	if err := tx.SaveSession(ctx, ls); err != nil {
		return nil, err
	}
	return lo.PullEvents(), nil
}

// StatusView is what a polling client sees.
type StatusView struct {
	SessionID       uuid.UUID     `json:"session_id"`
	Status          SessionStatus `json:"status"`
	OrderID         uuid.UUID     `json:"order_id"`
	OrderStatus     order.Status  `json:"order_status"`
	ExpiresAt       time.Time     `json:"expires_at"`
	AttemptCount    int           `json:"attempt_count"`
	ProviderOrderID string        `json:"provider_order_id,omitempty"`
	LastErrorCode   string        `json:"last_error_code,omitempty"`
}

// Status reports the session and order state. An open session past its expiry
// reads as expired.
func (m *Manager) Status(ctx context.Context, sessionID uuid.UUID) (*StatusView, error) {
	s, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	o, err := m.store.Order(ctx, s.OrderID)
	if err != nil {
		return nil, err
	}

	status := s.Status
	if status.Open() && s.Expired(m.now()) {
		status = SessionExpired
	}
	view := &StatusView{
		SessionID:       s.ID,
		Status:          status,
		OrderID:         o.ID,
		OrderStatus:     o.Status,
		ExpiresAt:       s.ExpiresAt,
		AttemptCount:    s.AttemptCount,
		ProviderOrderID: s.ProviderOrderID,
	}
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		if o.Attempts[i].PaymentSessionID == s.ID {
			view.LastErrorCode = o.Attempts[i].ErrorCode
			break
		}
	}
	return view, nil
}

func (m *Manager) publish(ctx context.Context, events []order.Event) {
	if m.events == nil || len(events) == 0 {
		return
	}
	if err := m.events.Publish(ctx, events...); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish order events",
			slog.String("code", apperr.CodeEventPublishFailed), slog.Any("error", err))
	}
}

// recordAttempt stores one authorization outcome for ls. An empty errorCode
// means the provider authorized the payment. A failure moves only an open
// session to pending, so a session superseded or expired while the provider
// call was in flight stays closed. A late success wins over any successor,
// which is expired in the same unit.
func (m *Manager) recordAttempt(ctx context.Context, tx Tx, lo *order.Order, ls *Session, providerOrderID, errorCode string) error {
	now := m.now()
	attempt := order.PaymentAttempt{
		ID:               uuid.New(),
		PaymentSessionID: ls.ID,
		PaymentMethod:    ls.PaymentMethod,
		AttemptedAt:      now,
		Status:           order.AttemptSuccessful,
	}
	ls.AttemptCount++
	ls.UpdatedAt = now
	if errorCode != "" {
		attempt.Status = order.AttemptFailed
		attempt.ErrorCode = errorCode
		attempt.ErrorMessage = apperr.UserMessage(errorCode)
		if ls.Status.Open() {
			ls.Status = SessionPending
		}
	} else {
		if !ls.Status.Open() {
			successor, err := tx.ActiveSession(ctx, ls.OrderID)
			if err != nil {
				return err
			}
			if successor != nil && successor.ID != ls.ID {
				successor.expire(now)
				if err := tx.SaveSession(ctx, successor); err != nil {
					return err
				}
				m.logger.WarnContext(ctx, "late authorization superseded newer session",
					slog.String("session_id", ls.ID.String()), slog.String("expired_session_id", successor.ID.String()))
			}
		}
		ls.Status = SessionAuthorized
		ls.ProviderOrderID = providerOrderID
		lo.ProviderReference = providerOrderID
	}

	if err := lo.RecordPaymentAttempt(attempt); err != nil {
		return err
	}
	if err := tx.SaveOrder(ctx, lo); err != nil {
		return err
	}
	return tx.SaveSession(ctx, ls)
}
