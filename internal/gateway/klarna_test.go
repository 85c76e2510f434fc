package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/resilience"
)

func usd(s string) money.Money { return money.MustParse(s, "USD") }

func testLines() []LineItem {
	return []LineItem{
		{Name: "Mug", Reference: "MUG-1", Quantity: 2, UnitPrice: usd("10.00"), Total: usd("20.00")},
		{Name: "Poster", Reference: "POS-1", Quantity: 1, UnitPrice: usd("15.00"), Total: usd("15.00")},
	}
}

func fastRetry() *resilience.RetryPolicy {
	return &resilience.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*KlarnaClient, *resilience.Breaker) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "klarna-test", FailureThreshold: 5, Cooldown: time.Minute})
	c := NewKlarnaClient(KlarnaConfig{
		BaseURL:  srv.URL,
		Username: "merchant",
		Password: "secret",
		Timeout:  time.Second,
		MerchantURLs: MerchantURLs{
			Terms: "https://shop.test/terms", Checkout: "https://shop.test/checkout",
			Confirmation: "https://shop.test/confirm", Push: "https://shop.test/push",
		},
	}, fastRetry(), breaker)
	return c, breaker
}

func TestCreateSession_SendsMinorUnits(t *testing.T) {
	// Arrange
	var got map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sessionsPath, r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "merchant", user)
		assert.Equal(t, "secret", pass)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"sess-1","client_token":"tok-1","payment_method_categories":[{"identifier":"pay_later","name":"Pay later"},{"identifier":"pay_now","name":"Pay now"}]}`))
	})

	// Act
	s, err := c.CreateSession(context.Background(), SessionRequest{Country: "US", Locale: "en-US", Amount: usd("35.00"), Lines: testLines()})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.SessionID)
	assert.Equal(t, "tok-1", s.ClientToken)
	assert.Equal(t, []string{"pay_later", "pay_now"}, s.PaymentMethods)
	assert.Equal(t, float64(3500), got["purchase_amount"])
	assert.Equal(t, "USD", got["purchase_currency"])
	assert.Equal(t, "buy", got["intent"])
	lines := got["order_lines"].([]any)
	first := lines[0].(map[string]any)
	assert.Equal(t, float64(1000), first["unit_price"])
	assert.Equal(t, float64(2000), first["total_amount"])
	assert.Equal(t, "https://shop.test/push", got["merchant_urls"].(map[string]any)["push"])
}

func TestCreateSession_MapsErrorEnvelope(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"BAD_VALUE","error_messages":["purchase_country is invalid"],"correlation_id":"c-1"}`))
	})

	_, err := c.CreateSession(context.Background(), SessionRequest{Amount: usd("1.00"), Lines: testLines()})

	assert.Equal(t, "Provider.BAD_VALUE", apperr.CodeOf(err))
	assert.Equal(t, apperr.KindProviderRejected, apperr.KindOf(err))
	assert.NotContains(t, apperr.UserMessage(apperr.CodeOf(err)), "purchase_country")
}

func TestCreateSession_UndecodableBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	})

	_, err := c.CreateSession(context.Background(), SessionRequest{Amount: usd("1.00")})

	assert.Equal(t, apperr.CodeProviderInvalid, apperr.CodeOf(err))
}

func TestAuthorize_NamespacesDecline(t *testing.T) {
	// Arrange
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/payments/v1/authorizations/auth-xyz/order", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_code":"INSUFFICIENT_FUNDS","error_messages":["declined"]}`))
	})

	// Act
	_, err := c.Authorize(context.Background(), AuthorizeRequest{AuthToken: "auth-xyz", Country: "US", Amount: usd("35.00"), Lines: testLines()})

	// Assert
	assert.Equal(t, "Provider.Authorization.INSUFFICIENT_FUNDS", apperr.CodeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAuthorize_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, float64(3500), body["order_amount"])
		_, _ = w.Write([]byte(`{"order_id":"ko-1","fraud_status":"ACCEPTED"}`))
	})

	a, err := c.Authorize(context.Background(), AuthorizeRequest{AuthToken: "t", Country: "US", Amount: usd("35.00"), Lines: testLines()})

	require.NoError(t, err)
	assert.Equal(t, "ko-1", a.ProviderOrderID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCapture_SendsIdempotencyKeyAndMapsFailure(t *testing.T) {
	// Arrange
	var (
		mu   sync.Mutex
		keys []string
		fail atomic.Bool
	)
	fail.Store(true)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ordermanagement/v1/orders/ko-1/captures", r.URL.Path)
		mu.Lock()
		keys = append(keys, r.Header.Get(idempotencyHeader))
		mu.Unlock()
		if fail.Load() {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error_code":"NOT_ALLOWED"}`))
			return
		}
		w.Header().Set("Capture-Id", "cap-1")
		w.WriteHeader(http.StatusCreated)
	})

	// Act
	_, errFail := c.Capture(context.Background(), "ko-1", "key-1")
	fail.Store(false)
	capture, err := c.Capture(context.Background(), "ko-1", "key-1")

	// Assert
	assert.Equal(t, apperr.CodeProviderCaptureFailed, apperr.CodeOf(errFail))
	require.NoError(t, err)
	assert.Equal(t, "cap-1", capture.CaptureID)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"key-1", "key-1"}, keys)
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	// Arrange
	var calls int32
	c, breaker := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	// Act
	_, _ = c.Authorize(ctx, AuthorizeRequest{AuthToken: "t", Amount: usd("1.00")})
	_, _ = c.Authorize(ctx, AuthorizeRequest{AuthToken: "t", Amount: usd("1.00")})
	before := atomic.LoadInt32(&calls)
	_, err := c.Authorize(ctx, AuthorizeRequest{AuthToken: "t", Amount: usd("1.00")})

	// Assert
	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.Equal(t, int32(5), before)
	assert.Equal(t, before, atomic.LoadInt32(&calls))
	assert.Equal(t, apperr.CodeProviderUnavailable, apperr.CodeOf(err))
}

func TestTimeoutIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CreateSession(ctx, SessionRequest{Amount: usd("1.00")})

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err) || apperr.CodeOf(err) == apperr.CodeProviderTimeout)
}
