package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

// SessionStatus representa o estado de uma sessão de pagamento
type SessionStatus string

const (
	SessionCreated    SessionStatus = "created"
	SessionPending    SessionStatus = "pending"
	SessionAuthorized SessionStatus = "authorized"
	SessionCaptured   SessionStatus = "captured"
	SessionExpired    SessionStatus = "expired"
	SessionFailed     SessionStatus = "failed"
)

// Open reports whether the status still accepts an authorization.
func (s SessionStatus) Open() bool {
	return s == SessionCreated || s == SessionPending
}

// DefaultSessionTTL is the lifetime of a payment session.
const DefaultSessionTTL = 30 * time.Minute

// Session is a time-boxed handle on an in-progress provider payment.
type Session struct {
	ID                uuid.UUID     `json:"id"`
	OrderID           uuid.UUID     `json:"order_id"`
	ProviderSessionID string        `json:"provider_session_id"`
	ClientToken       string        `json:"client_token"`
	Status            SessionStatus `json:"status"`
	ExpiresAt         time.Time     `json:"expires_at"`
	PaymentMethod     string        `json:"payment_method,omitempty"`
	PaymentMethods    []string      `json:"payment_methods"`
	Locale            string        `json:"locale"`
	Amount            money.Money   `json:"amount"`
	AttemptCount      int           `json:"attempt_count"`
	ProviderOrderID   string        `json:"provider_order_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Expired reports whether now is past ExpiresAt.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Active reports whether the session is non-terminal and not expired.
func (s *Session) Active(now time.Time) bool {
	return s.Status.Open() && !s.Expired(now)
}

func (s *Session) expire(now time.Time) {
	s.Status = SessionExpired
	s.UpdatedAt = now
}
