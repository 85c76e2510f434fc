package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/resilience"
)

const (
	sessionsPath       = "/payments/v1/sessions"
	authorizationsPath = "/payments/v1/authorizations/{authToken}/order"
	capturesPath       = "/ordermanagement/v1/orders/{orderId}/captures"

	idempotencyHeader = "Klarna-Idempotency-Key"
)

type MerchantURLs struct {
	Terms        string `json:"terms"`
	Checkout     string `json:"checkout"`
	Confirmation string `json:"confirmation"`
	Push         string `json:"push"`
}

type KlarnaConfig struct {
	BaseURL      string
	Username     string
	Password     string
	Timeout      time.Duration
	MerchantURLs MerchantURLs
}

// KlarnaClient implementa Provider sobre a API REST do Klarna
type KlarnaClient struct {
	http    *resty.Client
	urls    MerchantURLs
	retry   *resilience.RetryPolicy
	breaker *resilience.Breaker
	tracer  trace.Tracer
}

// NewKlarnaClient cria um cliente com retry e circuit breaker injetados
func NewKlarnaClient(cfg KlarnaConfig, retry *resilience.RetryPolicy, breaker *resilience.Breaker) *KlarnaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if retry == nil {
		retry = resilience.DefaultRetryPolicy()
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "klarna"})
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &KlarnaClient{
		http:    client,
		urls:    cfg.MerchantURLs,
		retry:   retry,
		breaker: breaker,
		tracer:  otel.Tracer("storefront/gateway"),
	}
}

type orderLine struct {
	Name        string `json:"name"`
	Reference   string `json:"reference"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	TotalAmount int64  `json:"total_amount"`
}

type sessionBody struct {
	PurchaseCountry  string       `json:"purchase_country"`
	PurchaseAmount   int64        `json:"purchase_amount"`
	PurchaseCurrency string       `json:"purchase_currency"`
	Locale           string       `json:"locale"`
	OrderLines       []orderLine  `json:"order_lines"`
	MerchantURLs     MerchantURLs `json:"merchant_urls"`
	MerchantRef      string       `json:"merchant_reference1,omitempty"`
	Intent           string       `json:"intent"`
}

type sessionResponse struct {
	SessionID               string `json:"session_id"`
	ClientToken             string `json:"client_token"`
	PaymentMethodCategories []struct {
		Identifier string `json:"identifier"`
		Name       string `json:"name"`
	} `json:"payment_method_categories"`
}

type authorizeBody struct {
	PurchaseCountry  string      `json:"purchase_country"`
	PurchaseCurrency string      `json:"purchase_currency"`
	OrderAmount      int64       `json:"order_amount"`
	OrderLines       []orderLine `json:"order_lines"`
}

type authorizeResponse struct {
	OrderID     string `json:"order_id"`
	RedirectURL string `json:"redirect_url"`
	FraudStatus string `json:"fraud_status"`
}

func toOrderLines(items []LineItem) []orderLine {
	lines := make([]orderLine, len(items))
	for i, it := range items {
		lines[i] = orderLine{
			Name:        it.Name,
			Reference:   it.Reference,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.MinorUnits(),
			TotalAmount: it.Total.MinorUnits(),
		}
	}
	return lines
}

// CreateSession opens a payment session and returns the client token.
func (k *KlarnaClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	intent := req.Intent
	if intent == "" {
		intent = "buy"
	}
	body := sessionBody{
		PurchaseCountry:  req.Country,
		PurchaseAmount:   req.Amount.MinorUnits(),
		PurchaseCurrency: req.Amount.Currency(),
		Locale:           req.Locale,
		OrderLines:       toOrderLines(req.Lines),
		MerchantURLs:     k.urls,
		MerchantRef:      req.Reference,
		Intent:           intent,
	}

	var out sessionResponse
	err := k.call(ctx, opSession, func(ctx context.Context) (*resty.Response, error) {
		return k.http.R().SetContext(ctx).SetBody(body).Post(sessionsPath)
	}, func(raw []byte) error {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if out.SessionID == "" || out.ClientToken == "" {
			return fmt.Errorf("session response without session_id or client_token")
		}
		return nil
	}, attribute.String("purchase_currency", body.PurchaseCurrency), attribute.Int64("purchase_amount", body.PurchaseAmount))
	if err != nil {
		return nil, err
	}

	methods := make([]string, 0, len(out.PaymentMethodCategories))
	for _, c := range out.PaymentMethodCategories {
		methods = append(methods, c.Identifier)
	}
	return &Session{SessionID: out.SessionID, ClientToken: out.ClientToken, PaymentMethods: methods}, nil
}

// Authorize turns an authorization token into a provider order.
func (k *KlarnaClient) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	body := authorizeBody{
		PurchaseCountry:  req.Country,
		PurchaseCurrency: req.Amount.Currency(),
		OrderAmount:      req.Amount.MinorUnits(),
		OrderLines:       toOrderLines(req.Lines),
	}

	var out authorizeResponse
	err := k.call(ctx, opAuthorize, func(ctx context.Context) (*resty.Response, error) {
		return k.http.R().
			SetContext(ctx).
			SetPathParam("authToken", req.AuthToken).
			SetBody(body).
			Post(authorizationsPath)
	}, func(raw []byte) error {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if out.OrderID == "" {
			return fmt.Errorf("authorization response without order_id")
		}
		return nil
	}, attribute.Int64("order_amount", body.OrderAmount))
	if err != nil {
		return nil, err
	}
	return &Authorization{ProviderOrderID: out.OrderID, FraudStatus: out.FraudStatus, RedirectURL: out.RedirectURL}, nil
}

// Capture captures the full authorized amount. The provider deduplicates on the
// idempotency key, so retries never capture twice.
func (k *KlarnaClient) Capture(ctx context.Context, providerOrderID, idempotencyKey string) (*Capture, error) {
	var captureID string
	err := k.call(ctx, opCapture, func(ctx context.Context) (*resty.Response, error) {
		resp, err := k.http.R().
			SetContext(ctx).
			SetPathParam("orderId", providerOrderID).
			SetHeader(idempotencyHeader, idempotencyKey).
			Post(capturesPath)
		if resp != nil {
			captureID = resp.Header().Get("Capture-Id")
		}
		return resp, err
	}, nil, attribute.String("provider_order_id", providerOrderID))
	if err != nil {
		return nil, err
	}
	return &Capture{CaptureID: captureID}, nil
}

// call runs one provider request through the retry policy (outer) and the
// breaker (inner) and decodes a success body with decode.
func (k *KlarnaClient) call(
	ctx context.Context,
	op operation,
	send func(ctx context.Context) (*resty.Response, error),
	decode func(raw []byte) error,
	attrs ...attribute.KeyValue,
) error {
	ctx, span := k.tracer.Start(ctx, "klarna."+op.String())
	defer span.End()
	span.SetAttributes(attrs...)

	attempts := 0
	err := k.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return k.breaker.Execute(ctx, func(ctx context.Context) error {
			resp, err := send(ctx)
			if err != nil {
				return transportError(err)
			}
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
			if !resp.IsSuccess() {
				return statusError(op, resp.StatusCode(), resp.Body())
			}
			if decode != nil {
				if err := decode(resp.Body()); err != nil {
					return invalidResponse(op, err)
				}
			}
			return nil
		})
	})
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op.String()+" failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
