package checkoutstate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/checkout"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCommandClient_CreateCheckoutSession(t *testing.T) {
	// Arrange
	sessionID, orderID := uuid.New(), uuid.New()
	var gotKey, gotAuth string
	var gotBody checkout.CreateSessionRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/checkout/sessions", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(checkout.HeaderIdempotencyKey)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusCreated, checkout.SessionResponse{
			SessionID:   sessionID,
			ClientToken: "tok",
			OrderID:     orderID,
			OrderNumber: "ORD-20250301-ABCD",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewCommandClient(srv.URL, "jwt-token", time.Second)

	// Act
	res, err := client.CreateCheckoutSession(context.Background(), "tx-1", checkout.CreateSessionRequest{
		Items:         []checkout.ItemRequest{{ProductID: "p1", Quantity: 2}},
		PaymentMethod: "pay_later",
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, sessionID, res.SessionID)
	assert.Equal(t, orderID, res.OrderID)
	assert.Equal(t, "tx-1", gotKey)
	assert.Equal(t, "Bearer jwt-token", gotAuth)
	require.Len(t, gotBody.Items, 1)
	assert.Equal(t, "p1", gotBody.Items[0].ProductID)
}

func TestCommandClient_DecodesErrorEnvelope(t *testing.T) {
	// Arrange
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders/{id}/complete", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{"code": apperr.CodeOrderInvalidTransition, "message": "nope", "request_id": "r1"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewCommandClient(srv.URL, "", time.Second)

	// Act
	_, err := client.CompleteOrder(context.Background(), uuid.New())

	// Assert
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOrderInvalidTransition, apperr.CodeOf(err))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCommandClient_AuthorizeDecline(t *testing.T) {
	// Arrange
	var gotToken string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/checkout/sessions/{id}/authorize", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotToken = body["auth_token"]
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"success": false,
			"error":   map[string]any{"code": "Provider.Authorization.INSUFFICIENT_FUNDS", "message": "declined"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewCommandClient(srv.URL, "", time.Second)

	// Act
	res, err := client.AuthorizePayment(context.Background(), uuid.New(), "auth-1")

	// Assert
	require.Error(t, err)
	assert.Equal(t, "auth-1", gotToken)
	assert.Equal(t, apperr.KindProviderRejected, apperr.KindOf(err))
	assert.Equal(t, "Provider.Authorization.INSUFFICIENT_FUNDS", apperr.CodeOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestCommandClient_SessionStatus(t *testing.T) {
	// Arrange
	sessionID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/checkout/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sessionID.String(), r.PathValue("id"))
		writeJSON(w, http.StatusOK, payment.StatusView{
			SessionID:   sessionID,
			Status:      payment.SessionAuthorized,
			OrderStatus: order.StatusPaid,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewCommandClient(srv.URL, "", time.Second)

	// Act
	view, err := client.SessionStatus(context.Background(), sessionID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, payment.SessionAuthorized, view.Status)
	assert.Equal(t, order.StatusPaid, view.OrderStatus)
}

func TestCommandClient_Unreachable(t *testing.T) {
	// Arrange
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewCommandClient(url, "", 200*time.Millisecond)

	// Act
	_, err := client.SessionStatus(context.Background(), uuid.New())

	// Assert
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}
