package order

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

var transitions = map[Status][]Status{
	StatusCreated:         {StatusAwaitingPayment, StatusCancelled, StatusFailed},
	StatusAwaitingPayment: {StatusPaid, StatusCancelled, StatusFailed},
	StatusPaid:            {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing:      {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(from, to Status) error {
	return apperr.New(apperr.CodeOrderInvalidTransition, apperr.KindValidation,
		fmt.Sprintf("cannot move order from %s to %s", from, to))
}

func (o *Order) moveTo(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return invalidTransition(o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// New validates the lines and builds an order in Created. It raises OrderCreated.
func New(p NewOrderParams) (*Order, error) {
	if len(p.Lines) == 0 {
		return nil, apperr.Validation(apperr.CodeOrderValidation, "order has no lines")
	}
	if p.CustomerID == nil {
		if _, err := mail.ParseAddress(p.GuestEmail); err != nil {
			return nil, apperr.Validation(apperr.CodeOrderValidation, "guest orders need a valid email")
		}
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}

	lines := make([]Line, 0, len(p.Lines))
	for _, in := range p.Lines {
		line, err := buildLine(in)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	total, err := totalOf(lines)
	if err != nil {
		return nil, err
	}

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	number := p.Number
	if number == "" {
		number = NewNumber(p.Now)
	}

	o := &Order{
		ID:         id,
		Number:     number,
		CustomerID: p.CustomerID,
		GuestEmail: strings.TrimSpace(p.GuestEmail),
		Status:     StatusCreated,
		Total:      total,
		Billing:    p.Billing,
		Shipping:   p.Shipping,
		Lines:      lines,
		CreatedAt:  p.Now,
		UpdatedAt:  p.Now,
	}
	o.raise(OrderCreated{
		EventBase:  newBase(o.ID, p.Now),
		Number:     o.Number,
		Total:      o.Total,
		CustomerID: o.CustomerID,
		GuestEmail: o.GuestEmail,
	})
	return o, nil
}

func buildLine(in LineInput) (Line, error) {
	if strings.TrimSpace(in.SKU) == "" || strings.TrimSpace(in.Name) == "" {
		return Line{}, apperr.Validation(apperr.CodeOrderValidation, "line needs a sku and a name")
	}
	if in.Quantity <= 0 {
		return Line{}, apperr.Validation(apperr.CodeOrderValidation, fmt.Sprintf("quantity for %s must be positive", in.SKU))
	}
	if in.UnitPrice.IsNegative() {
		return Line{}, apperr.Validation(apperr.CodeOrderValidation, fmt.Sprintf("unit price for %s is negative", in.SKU))
	}
	return Line{
		ProductID: in.ProductID,
		Name:      in.Name,
		SKU:       in.SKU,
		Quantity:  in.Quantity,
		UnitPrice: in.UnitPrice,
		LineTotal: in.UnitPrice.Mul(in.Quantity),
	}, nil
}

func totalOf(lines []Line) (money.Money, error) {
	totals := make([]money.Money, len(lines))
	for i, l := range lines {
		totals[i] = l.LineTotal
	}
	total, err := money.Sum(lines[0].UnitPrice.Currency(), totals...)
	if err != nil {
		return money.Money{}, apperr.Wrap(apperr.CodeMoneyCurrencyMismatch, apperr.KindValidation, "order lines use different currencies", err)
	}
	return total, nil
}

// AddLine appends a line, or raises the quantity of a line with the same SKU.
func (o *Order) AddLine(in LineInput, now time.Time) error {
	if o.Locked() {
		return apperr.New(apperr.CodeOrderLocked, apperr.KindValidation, "order lines are locked")
	}
	line, err := buildLine(in)
	if err != nil {
		return err
	}

	lines := append([]Line(nil), o.Lines...)
	merged := false
	for i := range lines {
		if lines[i].SKU == line.SKU {
			if !lines[i].UnitPrice.Equal(line.UnitPrice) {
				return apperr.Validation(apperr.CodeOrderValidation, fmt.Sprintf("price of %s differs from existing line", line.SKU))
			}
			lines[i].Quantity += line.Quantity
			lines[i].LineTotal = lines[i].UnitPrice.Mul(lines[i].Quantity)
			merged = true
			break
		}
	}
	if !merged {
		lines = append(lines, line)
	}
	return o.replaceLines(lines, now)
}

// RemoveLine drops the line with sku. The last line cannot be removed.
func (o *Order) RemoveLine(sku string, now time.Time) error {
	if o.Locked() {
		return apperr.New(apperr.CodeOrderLocked, apperr.KindValidation, "order lines are locked")
	}
	lines := make([]Line, 0, len(o.Lines))
	for _, l := range o.Lines {
		if l.SKU != sku {
			lines = append(lines, l)
		}
	}
	if len(lines) == len(o.Lines) {
		return apperr.Validation(apperr.CodeOrderValidation, fmt.Sprintf("no line with sku %s", sku))
	}
	if len(lines) == 0 {
		return apperr.Validation(apperr.CodeOrderValidation, "order must keep at least one line")
	}
	return o.replaceLines(lines, now)
}

func (o *Order) replaceLines(lines []Line, now time.Time) error {
	total, err := totalOf(lines)
	if err != nil {
		return err
	}
	o.Lines = lines
	o.Total = total
	o.UpdatedAt = now
	return nil
}

// BeginPayment moves Created to AwaitingPayment.
func (o *Order) BeginPayment(now time.Time) error {
	if o.Status == StatusAwaitingPayment {
		return nil
	}
	if err := o.moveTo(StatusAwaitingPayment, now); err != nil {
		return err
	}
	o.raise(PaymentStarted{EventBase: newBase(o.ID, now), Number: o.Number, Amount: o.Total})
	return nil
}

// RecordPaymentAttempt appends an attempt. Only a successful attempt moves the
// order to Paid; it is rejected, and nothing is appended, unless the order is
// awaiting payment.
func (o *Order) RecordPaymentAttempt(a PaymentAttempt) error {
	switch a.Status {
	case AttemptSuccessful:
		if o.Status != StatusAwaitingPayment {
			return invalidTransition(o.Status, StatusPaid)
		}
	case AttemptFailed, AttemptPending:
		if o.Status.Terminal() {
			return invalidTransition(o.Status, o.Status)
		}
	default:
		return apperr.Validation(apperr.CodeOrderValidation, fmt.Sprintf("unknown attempt status %q", a.Status))
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now()
	}
	a.OrderID = o.ID
	o.Attempts = append(o.Attempts, a)
	o.UpdatedAt = a.AttemptedAt

	switch a.Status {
	case AttemptSuccessful:
		o.Status = StatusPaid
		o.raise(OrderPaid{
			EventBase:        newBase(o.ID, a.AttemptedAt),
			Number:           o.Number,
			Amount:           o.Total,
			PaymentSessionID: a.PaymentSessionID,
			AttemptID:        a.ID,
			PaymentMethod:    a.PaymentMethod,
		})
	case AttemptFailed:
		o.raise(PaymentFailed{
			EventBase:        newBase(o.ID, a.AttemptedAt),
			PaymentSessionID: a.PaymentSessionID,
			AttemptID:        a.ID,
			PaymentMethod:    a.PaymentMethod,
			ErrorCode:        a.ErrorCode,
		})
	}
	return nil
}

// StartProcessing moves Paid to Processing.
func (o *Order) StartProcessing(now time.Time) error {
	if err := o.moveTo(StatusProcessing, now); err != nil {
		return err
	}
	o.raise(OrderProcessing{EventBase: newBase(o.ID, now), Number: o.Number})
	return nil
}

// Cancel is legal only before the order is paid.
func (o *Order) Cancel(reason string, now time.Time) error {
	if err := o.moveTo(StatusCancelled, now); err != nil {
		return err
	}
	o.raise(OrderCancelled{EventBase: newBase(o.ID, now), Number: o.Number, Reason: reason})
	return nil
}

// Complete is legal from Paid or Processing.
func (o *Order) Complete(now time.Time) error {
	if err := o.moveTo(StatusCompleted, now); err != nil {
		return err
	}
	completed := now
	o.CompletedAt = &completed
	o.raise(OrderCompleted{
		EventBase:     newBase(o.ID, now),
		Number:        o.Number,
		Total:         o.Total,
		CustomerID:    o.CustomerID,
		GuestEmail:    o.GuestEmail,
		PaymentMethod: o.PaymentMethodUsed(),
		CompletedAt:   now,
	})
	return nil
}

// Fail moves any non-terminal order to Failed.
func (o *Order) Fail(reason string, now time.Time) error {
	if err := o.moveTo(StatusFailed, now); err != nil {
		return err
	}
	o.raise(OrderFailed{EventBase: newBase(o.ID, now), Number: o.Number, Reason: reason})
	return nil
}
