package payment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

func TestHandleNotification_AuthorizedIsAppliedOnce(t *testing.T) {
	// Arrange
	f := newFixture(t)
	o := f.seedOrder(t)
	s := f.openSession(t, o)
	n := payment.Notification{
		EventID:           "evt_1",
		Type:              payment.NotifyOrderAuthorized,
		ProviderSessionID: s.ProviderSessionID,
		ProviderOrderID:   "kord_1",
		OccurredAt:        f.clock.Now(),
	}

	// Act
	require.NoError(t, f.manager.HandleNotification(context.Background(), n))
	require.NoError(t, f.manager.HandleNotification(context.Background(), n))

	// Assert
	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, stored.Status)
	assert.Len(t, stored.Attempts, 1)
	assert.Equal(t, 1, f.sink.count(order.KindOrderPaid))

	session, err := f.store.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.SessionAuthorized, session.Status)
	assert.Equal(t, "kord_1", session.ProviderOrderID)
}

func TestHandleNotification_RedeliveryWithNewEventID(t *testing.T) {
	// Arrange
	f := newFixture(t)
	o := f.seedOrder(t)
	s := f.openSession(t, o)
	base := payment.Notification{Type: payment.NotifyOrderAuthorized, ProviderSessionID: s.ProviderSessionID, ProviderOrderID: "kord_1"}
	first, second := base, base
	first.EventID, second.EventID = "evt_1", "evt_2"

	// Act
	require.NoError(t, f.manager.HandleNotification(context.Background(), first))
	require.NoError(t, f.manager.HandleNotification(context.Background(), second))

	// Assert
	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Attempts, 1, "an authorized session ignores later pushes")
}

func TestHandleNotification_PaymentFailed(t *testing.T) {
	// Arrange
	f := newFixture(t)
	o := f.seedOrder(t)
	s := f.openSession(t, o)

	// Act
	err := f.manager.HandleNotification(context.Background(), payment.Notification{
		EventID:           "evt_fail",
		Type:              payment.NotifyPaymentFailed,
		ProviderSessionID: s.ProviderSessionID,
		ErrorCode:         "INSUFFICIENT_FUNDS",
	})

	// Assert
	require.NoError(t, err)
	stored, err := f.store.Order(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingPayment, stored.Status)
	require.Len(t, stored.Attempts, 1)
	assert.Equal(t, apperr.CodeProviderAuthPrefix+"INSUFFICIENT_FUNDS", stored.Attempts[0].ErrorCode)
}

func TestHandleNotification_SessionExpired(t *testing.T) {
	// Arrange
	f := newFixture(t)
	o := f.seedOrder(t)
	s := f.openSession(t, o)

	// Act
	err := f.manager.HandleNotification(context.Background(), payment.Notification{
		EventID:           "evt_exp",
		Type:              payment.NotifySessionExpired,
		ProviderSessionID: s.ProviderSessionID,
	})

	// Assert
	require.NoError(t, err)
	stored, err := f.store.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.SessionExpired, stored.Status)
}

func TestHandleNotification_UnknownSessionIsRetryable(t *testing.T) {
	// Arrange
	f := newFixture(t)
	n := payment.Notification{EventID: "evt_x", Type: payment.NotifyOrderAuthorized, ProviderSessionID: "ks_missing"}

	// Act
	firstErr := f.manager.HandleNotification(context.Background(), n)
	secondErr := f.manager.HandleNotification(context.Background(), n)

	// Assert
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.CodeOf(firstErr))
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.CodeOf(secondErr), "a failed delivery releases its key")
}

func TestHandleNotification_UnknownTypeIgnored(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	err := f.manager.HandleNotification(context.Background(), payment.Notification{EventID: "evt_y", Type: "order.refunded"})

	// Assert
	assert.NoError(t, err)
}
