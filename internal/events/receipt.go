package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

type Customer struct {
	Email string
	Name  string
}

// CustomerDirectory resolves registered customers.
type CustomerDirectory interface {
	Lookup(ctx context.Context, customerID uuid.UUID) (Customer, error)
}

type Receipt struct {
	Subject  string
	TextBody string
	HTMLBody string
}

type ReceiptRenderer interface {
	Render(ctx context.Context, e order.OrderCompleted, to Customer) (Receipt, error)
}

type Mailer interface {
	Send(ctx context.Context, to string, r Receipt) error
}

// ReceiptSubscriber mails a receipt when an order completes.
type ReceiptSubscriber struct {
	directory CustomerDirectory
	renderer  ReceiptRenderer
	mailer    Mailer
	logger    *slog.Logger
}

func NewReceiptSubscriber(directory CustomerDirectory, renderer ReceiptRenderer, mailer Mailer, logger *slog.Logger) *ReceiptSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptSubscriber{directory: directory, renderer: renderer, mailer: mailer, logger: logger}
}

// Register subscribes the receipt handler on r.
func (s *ReceiptSubscriber) Register(r *Registry) {
	Subscribe(r, s.Handle)
}

func (s *ReceiptSubscriber) Handle(ctx context.Context, e order.OrderCompleted) error {
	to := Customer{Email: e.GuestEmail}
	if e.CustomerID != nil {
		c, err := s.directory.Lookup(ctx, *e.CustomerID)
		if err != nil {
			return fmt.Errorf("failed to look up customer %s: %w", e.CustomerID, err)
		}
		to = c
	}
	if to.Email == "" {
		s.logger.WarnContext(ctx, "no receipt address", slog.String("order_id", e.OrderID.String()))
		return nil
	}

	receipt, err := s.renderer.Render(ctx, e, to)
	if err != nil {
		return fmt.Errorf("failed to render receipt: %w", err)
	}
	if err := s.mailer.Send(ctx, to.Email, receipt); err != nil {
		return fmt.Errorf("failed to send receipt: %w", err)
	}
	s.logger.InfoContext(ctx, "receipt sent", slog.String("order_id", e.OrderID.String()))
	return nil
}

// NullDirectory knows no customers. Receipts for registered customers are
// skipped with a warning.
type NullDirectory struct{}

func (NullDirectory) Lookup(context.Context, uuid.UUID) (Customer, error) { return Customer{}, nil }

// TextRenderer renders a plain-text receipt.
type TextRenderer struct{}

func (TextRenderer) Render(_ context.Context, e order.OrderCompleted, to Customer) (Receipt, error) {
	greeting := "Hello"
	if to.Name != "" {
		greeting += " " + to.Name
	}
	body := fmt.Sprintf("%s,\n\nThank you for your order %s.\nTotal: %s\n", greeting, e.Number, e.Total)
	if e.PaymentMethod != "" {
		body += "Paid with: " + e.PaymentMethod + "\n"
	}
	return Receipt{Subject: "Your receipt for order " + e.Number, TextBody: body}, nil
}

// LogMailer records receipts in the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, to string, r Receipt) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "receipt", slog.String("to", to), slog.String("subject", r.Subject))
	return nil
}
