package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Lookup(ctx context.Context, id uuid.UUID) (Customer, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Customer), args.Error(1)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, to string, r Receipt) error {
	args := m.Called(ctx, to, r)
	return args.Error(0)
}

func completed(customerID *uuid.UUID, guestEmail string) order.OrderCompleted {
	return order.OrderCompleted{
		EventBase:     order.EventBase{ID: uuid.New(), OrderID: uuid.New()},
		Number:        "SF-20250314-ABCDEF",
		Total:         money.MustParse("35.00", "USD"),
		CustomerID:    customerID,
		GuestEmail:    guestEmail,
		PaymentMethod: "pay_later",
	}
}

func TestReceiptSubscriber_Guest(t *testing.T) {
	// Arrange
	dir := new(MockDirectory)
	mailer := new(MockMailer)
	mailer.On("Send", mock.Anything, "guest@example.com", mock.MatchedBy(func(r Receipt) bool {
		return strings.Contains(r.TextBody, "SF-20250314-ABCDEF") && strings.Contains(r.TextBody, "pay_later")
	})).Return(nil).Once()
	s := NewReceiptSubscriber(dir, TextRenderer{}, mailer, testLogger)
	r := NewRegistry()
	s.Register(r)

	// Act
	err := r.Dispatch(context.Background(), completed(nil, "guest@example.com"))

	// Assert
	require.NoError(t, err)
	mailer.AssertExpectations(t)
	dir.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestReceiptSubscriber_RegisteredCustomer(t *testing.T) {
	// Arrange
	id := uuid.New()
	dir := new(MockDirectory)
	dir.On("Lookup", mock.Anything, id).Return(Customer{Email: "ada@example.com", Name: "Ada"}, nil)
	mailer := new(MockMailer)
	mailer.On("Send", mock.Anything, "ada@example.com", mock.Anything).Return(nil).Once()
	s := NewReceiptSubscriber(dir, TextRenderer{}, mailer, testLogger)

	// Act
	err := s.Handle(context.Background(), completed(&id, ""))

	// Assert
	require.NoError(t, err)
	mailer.AssertExpectations(t)
}

func TestReceiptSubscriber_MailerFailureIsReturned(t *testing.T) {
	// Arrange
	mailer := new(MockMailer)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	s := NewReceiptSubscriber(new(MockDirectory), TextRenderer{}, mailer, testLogger)

	// Act
	err := s.Handle(context.Background(), completed(nil, "guest@example.com"))

	// Assert
	assert.ErrorContains(t, err, "smtp down")
}
