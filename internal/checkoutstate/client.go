package checkoutstate

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/checkout"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

// AuthorizeResponse mirrors the authorize route body.
type AuthorizeResponse struct {
	Success  bool         `json:"success"`
	OrderID  uuid.UUID    `json:"order_id"`
	Replayed bool         `json:"replayed"`
	Error    *remoteError `json:"error,omitempty"`
}

// Commands is the server command surface used by Flow.
type Commands interface {
	CreateCheckoutSession(ctx context.Context, idempotencyKey string, req checkout.CreateSessionRequest) (*checkout.SessionResponse, error)
	AuthorizePayment(ctx context.Context, sessionID uuid.UUID, authToken string) (*AuthorizeResponse, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID) (*checkout.CompleteResponse, error)
	SessionStatus(ctx context.Context, sessionID uuid.UUID) (*payment.StatusView, error)
}

type remoteError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error *remoteError `json:"error"`
}

// CommandClient calls the checkout routes over HTTP.
type CommandClient struct {
	http *resty.Client
}

// NewCommandClient cria um cliente para a API de checkout. Quando informado,
// token é enviado como bearer token.
func NewCommandClient(baseURL, token string, timeout time.Duration) *CommandClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &CommandClient{http: client}
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindAuth
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return apperr.KindValidation
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusPaymentRequired:
		return apperr.KindProviderRejected
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return apperr.KindProviderTransient
	case http.StatusServiceUnavailable:
		return apperr.KindUnavailable
	default:
		return apperr.KindInternal
	}
}

func toError(status int, e *remoteError) error {
	if e == nil || e.Code == "" {
		return apperr.New(apperr.CodeCheckoutProcessingFailed, kindForStatus(status), http.StatusText(status))
	}
	return apperr.New(e.Code, kindForStatus(status), e.Message)
}

func transportError(err error) error {
	return apperr.Wrap(apperr.CodeCheckoutProcessingFailed, apperr.KindUnavailable, "checkout api unreachable", err)
}

func (c *CommandClient) CreateCheckoutSession(ctx context.Context, idempotencyKey string, req checkout.CreateSessionRequest) (*checkout.SessionResponse, error) {
	var out checkout.SessionResponse
	var fail errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(checkout.HeaderIdempotencyKey, idempotencyKey).
		SetBody(req).
		SetResult(&out).
		SetError(&fail).
		Post("/api/checkout/sessions")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, toError(resp.StatusCode(), fail.Error)
	}
	return &out, nil
}

// AuthorizePayment returns the decoded body for both outcomes. A declined
// authorization is reported through the error.
func (c *CommandClient) AuthorizePayment(ctx context.Context, sessionID uuid.UUID, authToken string) (*AuthorizeResponse, error) {
	var out AuthorizeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID.String()).
		SetBody(map[string]string{"auth_token": authToken}).
		SetResult(&out).
		SetError(&out).
		Post("/api/checkout/sessions/{id}/authorize")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() || !out.Success {
		return &out, toError(resp.StatusCode(), out.Error)
	}
	return &out, nil
}

func (c *CommandClient) CompleteOrder(ctx context.Context, orderID uuid.UUID) (*checkout.CompleteResponse, error) {
	var out checkout.CompleteResponse
	var fail errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", orderID.String()).
		SetResult(&out).
		SetError(&fail).
		Post("/api/orders/{id}/complete")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, toError(resp.StatusCode(), fail.Error)
	}
	return &out, nil
}

func (c *CommandClient) SessionStatus(ctx context.Context, sessionID uuid.UUID) (*payment.StatusView, error) {
	var out payment.StatusView
	var fail errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sessionID.String()).
		SetResult(&out).
		SetError(&fail).
		Get("/api/checkout/sessions/{id}")
	if err != nil {
		return nil, transportError(err)
	}
	if resp.IsError() {
		return nil, toError(resp.StatusCode(), fail.Error)
	}
	return &out, nil
}
