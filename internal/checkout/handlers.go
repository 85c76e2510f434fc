package checkout

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
	HeaderWebhookToken   = "X-Webhook-Token"
	requestIDKey         = "checkout.request_id"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func errorPayload(c *gin.Context, err error) errorBody {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeCheckoutProcessingFailed
	}
	return errorBody{Code: code, Message: apperr.UserMessage(code), RequestID: c.GetString(requestIDKey)}
}

func statusOf(err error) int {
	if apperr.CodeOf(err) == "" {
		return http.StatusInternalServerError
	}
	return apperr.HTTPStatus(err)
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), gin.H{"error": errorPayload(c, err)})
}

// RequestID propagates or assigns X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// Handler contém os handlers HTTP
type Handler struct {
	svc           *Service
	auth          *Authenticator
	tracer        trace.Tracer
	webhookSecret string
}

// NewHandler cria uma nova instância de Handler. Com webhookSecret vazio as
// notificações do provedor são aceitas sem assinatura.
func NewHandler(svc *Service, auth *Authenticator, tracer trace.Tracer, webhookSecret string) *Handler {
	return &Handler{svc: svc, auth: auth, tracer: tracer, webhookSecret: webhookSecret}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api", RequestID())
	api.POST("/checkout/sessions", h.auth.Optional(), h.CreateCheckoutSession)
	api.GET("/checkout/sessions/:id", h.SessionStatus)
	api.POST("/checkout/sessions/:id/authorize", h.AuthorizePayment)
	api.POST("/orders/:id/complete", h.auth.Required(), h.CompleteOrder)
	api.POST("/orders/:id/cancel", h.auth.Optional(), h.CancelOrder)
	api.GET("/orders/:id", h.auth.Optional(), h.GetOrder)
	api.POST("/webhooks/provider", h.ProviderWebhook)
}

func (h *Handler) fail(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.code", apperr.CodeOf(err)))
	c.JSON(statusOf(err), gin.H{"error": errorPayload(c, err)})
}

func (h *Handler) badRequest(c *gin.Context, span trace.Span, err error) {
	h.fail(c, span, apperr.Wrap(apperr.CodeRequestInvalid, apperr.KindValidation, "invalid request", err))
}

func pathID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.CodeRequestInvalid, apperr.KindValidation, "invalid id", err)
	}
	return id, nil
}

// CreateCheckoutSession cria o pedido e a sessão de pagamento
func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.create_checkout_session")
	defer span.End()

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, span, err)
		return
	}
	if p := principalFrom(c); p.Subject != "" {
		if id, err := uuid.Parse(p.Subject); err == nil {
			req.Customer.CustomerID = &id
		}
	}

	res, err := h.svc.CreateCheckoutSession(ctx, c.GetHeader(HeaderIdempotencyKey), req)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) SessionStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.session_status")
	defer span.End()

	id, err := pathID(c)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	view, err := h.svc.SessionStatus(ctx, id)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type authorizeRequest struct {
	AuthToken string `json:"auth_token" binding:"required"`
}

// AuthorizePayment responds with {success, order_id} or {success:false, error}.
func (h *Handler) AuthorizePayment(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.authorize_payment")
	defer span.End()

	id, err := pathID(c)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, span, err)
		return
	}
	span.SetAttributes(attribute.String("session_id", id.String()))

	res, err := h.svc.AuthorizePayment(ctx, id, req.AuthToken)
	if err != nil {
		span.RecordError(err)
		c.JSON(statusOf(err), gin.H{"success": false, "error": errorPayload(c, err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order_id": res.OrderID, "replayed": res.Replayed})
}

func (h *Handler) CompleteOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.complete_order")
	defer span.End()

	id, err := pathID(c)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	res, err := h.svc.CompleteOrder(ctx, principalFrom(c), id)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.cancel_order")
	defer span.End()

	id, err := pathID(c)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, span, err)
			return
		}
	}
	o, err := h.svc.CancelOrder(ctx, principalFrom(c), id, req.Reason)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_number": o.Number, "status": o.Status})
}

func (h *Handler) GetOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_order")
	defer span.End()

	id, err := pathID(c)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	o, err := h.svc.GetOrder(ctx, principalFrom(c), id)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ProviderWebhook recebe as notificações push do provedor
func (h *Handler) ProviderWebhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.provider_webhook")
	defer span.End()

	if h.webhookSecret != "" {
		got := c.GetHeader(HeaderWebhookToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			h.fail(c, span, apperr.New(apperr.CodeAuthInvalid, apperr.KindAuth, "invalid webhook token"))
			return
		}
	}
	var n payment.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		h.badRequest(c, span, err)
		return
	}
	span.SetAttributes(attribute.String("event_type", string(n.Type)), attribute.String("event_id", n.EventID))

	if err := h.svc.HandleNotification(ctx, n); err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

// HealthCheck verifica a saúde do serviço
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "storefront",
	})
}
