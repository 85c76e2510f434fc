package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func newOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := order.New(order.NewOrderParams{
		GuestEmail: "guest@example.com",
		Lines: []order.LineInput{
			{ProductID: "p1", Name: "Mug", SKU: "MUG-1", Quantity: 2, UnitPrice: money.MustParse("10.00", "USD")},
		},
		Now: testNow,
	})
	require.NoError(t, err)
	require.NoError(t, o.BeginPayment(testNow))
	return o
}

func newSession(o *order.Order) *payment.Session {
	return &payment.Session{
		ID:                uuid.New(),
		OrderID:           o.ID,
		ProviderSessionID: "ks_" + uuid.NewString(),
		ClientToken:       "token",
		Status:            payment.SessionCreated,
		ExpiresAt:         testNow.Add(payment.DefaultSessionTTL),
		PaymentMethods:    []string{"pay_later"},
		Locale:            "en-US",
		Amount:            o.Total,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
}

func insert(t *testing.T, s payment.Store, o *order.Order) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertOrder(ctx, o)
	})
	require.NoError(t, err)
}

func TestMemory_CommitMakesWritesVisible(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)

	// Act
	insert(t, m, o)

	// Assert
	got, err := m.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Number, got.Number)
	assert.True(t, got.Total.Equal(money.MustParse("20", "USD")))
	assert.Empty(t, got.PullEvents(), "stored orders carry no pending events")
}

func TestMemory_RollbackOnError(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)
	boom := errors.New("boom")

	// Act
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		require.NoError(t, tx.InsertOrder(ctx, o))
		return boom
	})

	// Assert
	assert.Equal(t, apperr.CodeCheckoutProcessingFailed, apperr.CodeOf(err))
	assert.ErrorIs(t, err, boom)
	_, err = m.Order(context.Background(), o.ID)
	assert.Equal(t, apperr.CodeOrderNotFound, apperr.CodeOf(err))
}

func TestMemory_TypedErrorsPassThrough(t *testing.T) {
	// Arrange
	m := NewMemory()

	// Act
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		_, err := tx.LockOrder(ctx, uuid.New())
		return err
	})

	// Assert
	assert.Equal(t, apperr.CodeOrderNotFound, apperr.CodeOf(err))
}

func TestMemory_RollbackOnPanic(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)

	// Act
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		_ = tx.InsertOrder(ctx, o)
		panic("disk on fire")
	})

	// Assert
	assert.Equal(t, apperr.CodeCheckoutProcessingFailed, apperr.CodeOf(err))
	_, err = m.Order(context.Background(), o.ID)
	assert.Error(t, err)

	// the store is still usable
	insert(t, m, o)
}

func TestMemory_DuplicateNumber(t *testing.T) {
	// Arrange
	m := NewMemory()
	first := newOrder(t)
	insert(t, m, first)
	second := newOrder(t)
	second.Number = first.Number

	// Act
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertOrder(ctx, second)
	})

	// Assert
	assert.Equal(t, apperr.CodeOrderDuplicateNumber, apperr.CodeOf(err))
}

func TestMemory_OneOpenSessionPerOrder(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)
	insert(t, m, o)
	first := newSession(o)
	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertSession(ctx, first)
	}))

	// Act
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertSession(ctx, newSession(o))
	})

	// Assert
	assert.Equal(t, apperr.CodeSessionInvalidState, apperr.CodeOf(err))
}

func TestMemory_SaveCannotReopenSupersededSession(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)
	insert(t, m, o)
	first := newSession(o)
	first.Status = payment.SessionExpired
	second := newSession(o)
	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		if err := tx.InsertSession(ctx, first); err != nil {
			return err
		}
		return tx.InsertSession(ctx, second)
	}))

	// Act
	first.Status = payment.SessionPending
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.SaveSession(ctx, first)
	})

	// Assert
	assert.Equal(t, apperr.CodeSessionInvalidState, apperr.CodeOf(err))
	stored, err := m.Session(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.SessionExpired, stored.Status)
}

func TestMemory_SupersedeInOneUnit(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)
	insert(t, m, o)
	first := newSession(o)
	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertSession(ctx, first)
	}))
	second := newSession(o)
	second.CreatedAt = testNow.Add(time.Minute)

	// Act
	err := m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		prev, err := tx.ActiveSession(ctx, o.ID)
		if err != nil {
			return err
		}
		prev.Status = payment.SessionExpired
		if err := tx.SaveSession(ctx, prev); err != nil {
			return err
		}
		return tx.InsertSession(ctx, second)
	})

	// Assert
	require.NoError(t, err)
	old, err := m.Session(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.SessionExpired, old.Status)

	var active *payment.Session
	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		active, err = tx.ActiveSession(ctx, o.ID)
		return err
	}))
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}

func TestMemory_LookupsByProviderReference(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)
	insert(t, m, o)
	s := newSession(o)
	s.ProviderOrderID = "kord_1"
	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertSession(ctx, s)
	}))

	// Act & Assert
	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		byOrder, err := tx.SessionByProviderOrder(ctx, "kord_1")
		require.NoError(t, err)
		assert.Equal(t, s.ID, byOrder.ID)

		bySession, err := tx.SessionByProviderSession(ctx, s.ProviderSessionID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, bySession.ID)

		_, err = tx.SessionByProviderOrder(ctx, "")
		assert.Equal(t, apperr.CodeSessionNotFound, apperr.CodeOf(err))

		byNumber, err := tx.OrderByNumber(ctx, o.Number)
		require.NoError(t, err)
		assert.Equal(t, o.ID, byNumber.ID)
		return nil
	}))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	// Arrange
	m := NewMemory()
	o := newOrder(t)
	insert(t, m, o)

	// Act
	got, err := m.Order(context.Background(), o.ID)
	require.NoError(t, err)
	got.Status = order.StatusCancelled
	got.Lines[0].Quantity = 99

	// Assert
	again, err := m.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingPayment, again.Status)
	assert.Equal(t, 2, again.Lines[0].Quantity)
}
