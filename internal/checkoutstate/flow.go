package checkoutstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/checkout"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

type FlowOptions struct {
	Redirector Redirector
	// PollInterval and PollTimeout bound AwaitPayment.
	PollInterval time.Duration
	PollTimeout  time.Duration
	Locale       string
	Logger       *slog.Logger
}

// Flow drives one checkout through the command surface.
type Flow struct {
	state    *State
	cmds     Commands
	redirect Redirector
	interval time.Duration
	timeout  time.Duration
	locale   string
	logger   *slog.Logger
}

func NewFlow(state *State, cmds Commands, opts FlowOptions) *Flow {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Minute
	}
	if opts.Redirector == nil {
		opts.Redirector = RedirectFunc(func(context.Context, Redirect) {})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Flow{
		state:    state,
		cmds:     cmds,
		redirect: opts.Redirector,
		interval: opts.PollInterval,
		timeout:  opts.PollTimeout,
		locale:   opts.Locale,
		logger:   opts.Logger,
	}
}

func (f *Flow) State() *State { return f.state }

// expired clears an expired state and redirects. It returns the error the
// caller should surface.
func (f *Flow) expired(ctx context.Context) error {
	if !f.state.Expired() {
		return nil
	}
	if err := f.state.Clear(ctx); err != nil {
		f.logger.WarnContext(ctx, "failed to clear expired checkout", slog.Any("error", err))
	}
	f.redirect.Redirect(ctx, RedirectExpired)
	return errExpired()
}

// Start creates the order and payment session. The transaction id is the
// idempotency key, so a retried Start after a lost response returns the same
// session.
func (f *Flow) Start(ctx context.Context, items []checkout.ItemRequest) (*checkout.SessionResponse, error) {
	if err := f.expired(ctx); err != nil {
		return nil, err
	}
	if !f.state.IsComplete() {
		return nil, apperr.Validation(apperr.CodeOrderValidation, "shipping, delivery and payment must be chosen first")
	}

	snap := f.state.Snapshot()
	if snap.TransactionID == "" {
		snap.TransactionID = uuid.NewString()
		if err := f.state.SetTransaction(ctx, snap.TransactionID); err != nil {
			return nil, err
		}
	}

	req := checkout.CreateSessionRequest{
		Items: items,
		Customer: checkout.CustomerRequest{
			Email:    snap.GuestEmail,
			Billing:  *snap.Shipping,
			Shipping: snap.Shipping,
		},
		PaymentMethod: snap.PaymentMethod,
		Locale:        f.locale,
	}
	res, err := f.cmds.CreateCheckoutSession(ctx, snap.TransactionID, req)
	if err != nil {
		return nil, err
	}
	if err := f.state.AttachPaymentSession(ctx, res.SessionID, res.OrderID); err != nil {
		return nil, err
	}
	f.logger.InfoContext(ctx, "checkout session started",
		slog.String("session_id", res.SessionID.String()),
		slog.String("order_id", res.OrderID.String()))
	return res, nil
}

func (f *Flow) session() (uuid.UUID, error) {
	id := f.state.Snapshot().PaymentSessionID
	if id == uuid.Nil {
		return uuid.Nil, apperr.NotFound(apperr.CodeSessionNotFound, "no payment session attached")
	}
	return id, nil
}

// Authorize sends the widget token. A decline leaves the state in place for
// another attempt.
func (f *Flow) Authorize(ctx context.Context, authToken string) (uuid.UUID, error) {
	if err := f.expired(ctx); err != nil {
		return uuid.Nil, err
	}
	sessionID, err := f.session()
	if err != nil {
		return uuid.Nil, err
	}
	res, err := f.cmds.AuthorizePayment(ctx, sessionID, authToken)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeSessionExpired) {
			_ = f.state.Clear(ctx)
			f.redirect.Redirect(ctx, RedirectExpired)
		}
		return uuid.Nil, err
	}
	return res.OrderID, nil
}

// AwaitPayment polls the session until it leaves the open states, ctx is done,
// the state is cleared or PollTimeout passes.
func (f *Flow) AwaitPayment(ctx context.Context) (*payment.StatusView, error) {
	sessionID, err := f.session()
	if err != nil {
		return nil, err
	}
	stop := f.state.stopped()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		view, err := f.cmds.SessionStatus(ctx, sessionID)
		switch {
		case err != nil && apperr.KindOf(err) != apperr.KindUnavailable:
			return nil, err
		case err != nil:
			f.logger.WarnContext(ctx, "payment status poll failed", slog.String("session_id", sessionID.String()), slog.Any("error", err))
		case view.Status == payment.SessionExpired:
			_ = f.state.Clear(ctx)
			f.redirect.Redirect(ctx, RedirectExpired)
			return view, nil
		case !view.Status.Open():
			return view, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("payment status polling stopped: %w", ctx.Err())
		case <-stop:
			return nil, errors.New("payment status polling stopped: checkout cleared")
		case <-ticker.C:
		}
	}
}

// Complete finalizes the order and clears the state.
func (f *Flow) Complete(ctx context.Context) (*checkout.CompleteResponse, error) {
	orderID := f.state.Snapshot().OrderID
	if orderID == uuid.Nil {
		return nil, apperr.NotFound(apperr.CodeOrderNotFound, "no order attached")
	}
	res, err := f.cmds.CompleteOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := f.state.Clear(ctx); err != nil {
		f.logger.WarnContext(ctx, "failed to clear completed checkout", slog.Any("error", err))
	}
	f.redirect.Redirect(ctx, RedirectComplete)
	return res, nil
}

// Cancel abandons the checkout.
func (f *Flow) Cancel(ctx context.Context) error {
	if err := f.state.Clear(ctx); err != nil {
		return err
	}
	f.redirect.Redirect(ctx, RedirectCancelled)
	return nil
}
