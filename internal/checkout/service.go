// Package checkout is the command surface of the storefront: it creates orders
// and their payment sessions, authorizes and completes them, and serves the
// read models the client polls.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/idempotency"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

type Product struct {
	ID    string
	Name  string
	SKU   string
	Price money.Money
}

// Catalog prices the lines of a new order.
type Catalog interface {
	Product(ctx context.Context, id string) (Product, error)
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog map[string]Product

func (c StaticCatalog) Product(_ context.Context, id string) (Product, error) {
	p, ok := c[id]
	if !ok {
		return Product{}, apperr.Validation(apperr.CodeOrderValidation, "unknown product "+id)
	}
	return p, nil
}

type ItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

type CustomerRequest struct {
	// CustomerID is taken from the bearer token when present and never from the body.
	CustomerID *uuid.UUID     `json:"-"`
	Email      string         `json:"email"`
	Billing    order.Address  `json:"billing_address"`
	Shipping   *order.Address `json:"shipping_address,omitempty"`
}

type CreateSessionRequest struct {
	Items         []ItemRequest   `json:"items" binding:"required,min=1,dive"`
	Customer      CustomerRequest `json:"customer"`
	PaymentMethod string          `json:"payment_method"`
	Locale        string          `json:"locale"`
}

type SessionResponse struct {
	SessionID      uuid.UUID `json:"session_id"`
	ClientToken    string    `json:"client_token"`
	OrderID        uuid.UUID `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	PaymentMethods []string  `json:"payment_methods"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type CompleteResponse struct {
	OrderNumber string       `json:"order_number"`
	Status      order.Status `json:"status"`
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    string
}

const RoleStaff = "staff"

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Service implementa as operações de checkout
type Service struct {
	store    payment.Store
	payments *payment.Manager
	guard    *idempotency.Guard
	events   payment.EventSink
	catalog  Catalog
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

// NewService cria uma nova instância de Service
func NewService(store payment.Store, payments *payment.Manager, guard *idempotency.Guard, events payment.EventSink, catalog Catalog, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		payments: payments,
		guard:    guard,
		events:   events,
		catalog:  catalog,
		logger:   opts.Logger,
		now:      opts.Now,
		tracer:   otel.Tracer("storefront/checkout"),
	}
}

// CreateCheckoutSession places an order for the items and opens its payment
// session. Repeating the call with the same idempotency key returns the first
// result without touching the provider again.
func (s *Service) CreateCheckoutSession(ctx context.Context, idempotencyKey string, req CreateSessionRequest) (*SessionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.create_session")
	defer span.End()

	key, err := sessionKey(idempotencyKey, req)
	if err != nil {
		return nil, err
	}
	claim, err := s.guard.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	switch claim.Status {
	case idempotency.ClaimInProgress:
		return nil, apperr.New(apperr.CodeIdempotencyInProgress, apperr.KindIdempotency, "checkout already in progress")
	case idempotency.ClaimReplay:
		var prior SessionResponse
		if err := json.Unmarshal(claim.Payload, &prior); err == nil && prior.SessionID != uuid.Nil {
			span.SetAttributes(attribute.Bool("idempotent_replay", true))
			return &prior, nil
		}
		return nil, apperr.Conflict(apperr.CodeIdempotencyInProgress, "previous checkout result unavailable")
	}

	res, err := s.createCheckoutSession(ctx, req)
	if err != nil {
		s.guard.Release(ctx, key)
		span.RecordError(err)
		return nil, err
	}
	if payload, err := json.Marshal(res); err == nil {
		s.guard.Complete(ctx, key, payload)
	}
	span.SetAttributes(attribute.String("order_id", res.OrderID.String()), attribute.String("session_id", res.SessionID.String()))
	return res, nil
}

// sessionKey scopes the client's key to the caller and the request body, so
// the same header value from another caller or with another cart is a new
// checkout. An empty key stays empty for the guard to reject.
func sessionKey(idempotencyKey string, req CreateSessionRequest) (string, error) {
	if idempotencyKey == "" {
		return "", nil
	}
	caller := "guest"
	if req.Customer.CustomerID != nil {
		caller = req.Customer.CustomerID.String()
	}
	fingerprint, err := idempotency.DeriveKey("checkout.session", struct {
		Key     string               `json:"key"`
		Request CreateSessionRequest `json:"request"`
	}{idempotencyKey, req}, 0, time.Time{})
	if err != nil {
		return "", apperr.Wrap(apperr.CodeRequestInvalid, apperr.KindValidation, "unusable checkout request", err)
	}
	return "checkout.session:" + caller + ":" + fingerprint, nil
}

func (s *Service) createCheckoutSession(ctx context.Context, req CreateSessionRequest) (*SessionResponse, error) {
	lines := make([]order.LineInput, 0, len(req.Items))
	for _, item := range req.Items {
		p, err := s.catalog.Product(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, order.LineInput{
			ProductID: p.ID,
			Name:      p.Name,
			SKU:       p.SKU,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		})
	}

	guestEmail := ""
	if req.Customer.CustomerID == nil {
		guestEmail = req.Customer.Email
	}
	shipping := req.Customer.Billing
	if req.Customer.Shipping != nil {
		shipping = *req.Customer.Shipping
	}

	now := s.now()
	o, err := order.New(order.NewOrderParams{
		CustomerID: req.Customer.CustomerID,
		GuestEmail: guestEmail,
		Lines:      lines,
		Billing:    req.Customer.Billing,
		Shipping:   shipping,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	if err := o.BeginPayment(now); err != nil {
		return nil, err
	}
	if err := s.insertOrder(ctx, o); err != nil {
		return nil, err
	}
	s.publish(ctx, o.PullEvents())

	session, err := s.payments.CreateSession(ctx, o.ID, req.PaymentMethod, req.Locale)
	if err != nil {
		s.failOrder(ctx, o.ID, err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "checkout session created",
		slog.String("order_id", o.ID.String()), slog.String("session_id", session.ID.String()))
	return &SessionResponse{
		SessionID:      session.ID,
		ClientToken:    session.ClientToken,
		OrderID:        o.ID,
		OrderNumber:    o.Number,
		PaymentMethods: session.PaymentMethods,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// failOrder closes an order whose payment session could not be opened. A
// retry with the same key then starts from a fresh order.
func (s *Service) failOrder(ctx context.Context, orderID uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := apperr.CodeOf(cause)
	if reason == "" {
		reason = apperr.CodeCheckoutProcessingFailed
	}

	var events []order.Event
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		lo, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if lo.Status != order.StatusAwaitingPayment {
			return nil
		}
		if err := lo.Fail(reason, s.now()); err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, lo); err != nil {
			return err
		}
		events = lo.PullEvents()
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to close order without payment session",
			slog.String("order_id", orderID.String()), slog.Any("error", err))
		return
	}
	s.logger.WarnContext(ctx, "order failed before payment session",
		slog.String("order_id", orderID.String()), slog.String("code", reason))
	s.publish(ctx, events)
}

// insertOrder draws a fresh number when the generated one is already taken.
func (s *Service) insertOrder(ctx context.Context, o *order.Order) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx payment.Tx) error {
			return tx.InsertOrder(ctx, o)
		})
		if !apperr.HasCode(err, apperr.CodeOrderDuplicateNumber) {
			return err
		}
		s.logger.WarnContext(ctx, "order number collision", slog.String("number", o.Number))
		o.Number = order.NewNumber(s.now())
	}
	return err
}

// AuthorizePayment authorizes the session's payment with the client token.
func (s *Service) AuthorizePayment(ctx context.Context, sessionID uuid.UUID, authToken string) (*payment.AuthorizeResult, error) {
	if authToken == "" {
		return nil, apperr.Validation(apperr.CodeRequestInvalid, "auth_token is required")
	}
	return s.payments.Authorize(ctx, sessionID, authToken)
}

// CompleteOrder captures the payment when needed and completes the order.
// Completing a completed order returns its current state.
func (s *Service) CompleteOrder(ctx context.Context, who Principal, orderID uuid.UUID) (*CompleteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.complete_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID.String()))

	o, err := s.visibleOrder(ctx, who, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == order.StatusCompleted {
		return &CompleteResponse{OrderNumber: o.Number, Status: o.Status}, nil
	}
	if o.Status != order.StatusPaid && o.Status != order.StatusProcessing {
		return nil, apperr.Conflict(apperr.CodeOrderInvalidTransition, fmt.Sprintf("order %s is %s", o.Number, o.Status))
	}
	if o.ProviderReference != "" {
		if _, err := s.payments.Capture(ctx, o.ProviderReference); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	var (
		done   *order.Order
		events []order.Event
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		lo, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if lo.Status != order.StatusCompleted {
			if err := lo.Complete(s.now()); err != nil {
				return err
			}
			if err := tx.SaveOrder(ctx, lo); err != nil {
				return err
			}
		}
		events = lo.PullEvents()
		done = lo
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.publish(ctx, events)
	s.logger.InfoContext(ctx, "order completed", slog.String("order_id", orderID.String()))
	return &CompleteResponse{OrderNumber: done.Number, Status: done.Status}, nil
}

// CancelOrder cancels an unpaid order and expires its open payment session.
func (s *Service) CancelOrder(ctx context.Context, who Principal, orderID uuid.UUID, reason string) (*order.Order, error) {
	if _, err := s.visibleOrder(ctx, who, orderID); err != nil {
		return nil, err
	}

	var (
		cancelled *order.Order
		events    []order.Event
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx payment.Tx) error {
		lo, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := lo.Cancel(reason, now); err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, lo); err != nil {
			return err
		}
		active, err := tx.ActiveSession(ctx, orderID)
		if err != nil {
			return err
		}
		if active != nil {
			active.Status = payment.SessionExpired
			active.UpdatedAt = now
			if err := tx.SaveSession(ctx, active); err != nil {
				return err
			}
		}
		events = lo.PullEvents()
		cancelled = lo
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events)
	return cancelled, nil
}

// GetOrder returns the order with its attempts.
func (s *Service) GetOrder(ctx context.Context, who Principal, orderID uuid.UUID) (*order.Order, error) {
	return s.visibleOrder(ctx, who, orderID)
}

func (s *Service) SessionStatus(ctx context.Context, sessionID uuid.UUID) (*payment.StatusView, error) {
	return s.payments.Status(ctx, sessionID)
}

func (s *Service) HandleNotification(ctx context.Context, n payment.Notification) error {
	return s.payments.HandleNotification(ctx, n)
}

// visibleOrder hides customer orders from other customers. Staff see every
// order; guest orders are reachable by id.
func (s *Service) visibleOrder(ctx context.Context, who Principal, orderID uuid.UUID) (*order.Order, error) {
	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if who.Role == RoleStaff || o.CustomerID == nil {
		return o, nil
	}
	if who.Subject != o.CustomerID.String() {
		return nil, apperr.NotFound(apperr.CodeOrderNotFound, "order "+orderID.String())
	}
	return o, nil
}

func (s *Service) publish(ctx context.Context, events []order.Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish order events",
			slog.String("code", apperr.CodeEventPublishFailed), slog.Any("error", err))
	}
}
