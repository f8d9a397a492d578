package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"ms-reservation/internal/auth"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/payment"
	"ms-reservation/internal/payment/gateway"
)

const (
	stripeSignatureHeader  = "Stripe-Signature"
	sandboxSignatureHeader = "X-Sandbox-Signature"
)

type PaymentHandler struct {
	orchestrator *payment.Orchestrator
	gateways     *gateway.Registry
	logger       *logger.Logger
}

func NewPaymentHandler(orchestrator *payment.Orchestrator, gateways *gateway.Registry, logger *logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orchestrator,
		gateways:     gateways,
		logger:       logger,
	}
}

// Engine builds the gin engine serving /api/payments. Webhook routes are unauthenticated and
// rely on the provider signature instead.
func (h *PaymentHandler) Engine(v *auth.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	payments := r.Group("/api/payments")
	payments.POST("/webhooks/stripe", h.webhook(models.ProviderStripe, stripeSignatureHeader))
	payments.POST("/webhooks/sandbox", h.webhook(models.ProviderSandbox, sandboxSignatureHeader))

	authed := payments.Group("")
	authed.Use(ginAuth(v))
	authed.POST("/holds/:id", h.BeginPayment)
	authed.POST("/holds/:id/refund", h.Refund)
	authed.POST("/holds/:id/manual", h.ConfirmManualPayment)
	authed.GET("/:id", h.PollPayment)
	return r
}

func ginAuth(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := v.FromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse("Unauthorized", err.Error()))
			return
		}
		c.Request = c.Request.WithContext(auth.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func ginActor(c *gin.Context) models.Actor {
	a, _ := auth.ActorFrom(c.Request.Context())
	return a
}

// respond writes err's status. A payment that exists despite the error (a decline, or a late
// success that was refunded) is returned as data so the client can show it.
func (h *PaymentHandler) respond(c *gin.Context, message string, p *models.Payment, err error) {
	status, resp := FailureResponse(message, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("PAYMENT", fmt.Sprintf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err))
	} else {
		h.logger.Info("PAYMENT", fmt.Sprintf("%s %s rejected (%d %s): %v", c.Request.Method, c.Request.URL.Path, status, resp.Reason, err))
	}
	if p != nil {
		resp.Data = p
	}
	c.JSON(status, resp)
}

// BeginPayment charges a pending reservation.
func (h *PaymentHandler) BeginPayment(c *gin.Context) {
	var req models.BeginPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	p, err := h.orchestrator.BeginPayment(c.Request.Context(), c.Param("id"), req.Provider, req.Token, ginActor(c))
	if err != nil {
		h.respond(c, "Payment failed", p, err)
		return
	}

	status := http.StatusOK
	if p.Status == models.PaymentProcessing {
		status = http.StatusAccepted
	}
	c.JSON(status, SuccessResponse(fmt.Sprintf("Payment %s", p.Status), p))
}

// PollPayment refreshes a processing payment from its provider.
func (h *PaymentHandler) PollPayment(c *gin.Context) {
	p, err := h.orchestrator.PollPayment(c.Request.Context(), c.Param("id"), ginActor(c))
	if err != nil {
		h.respond(c, "Payment not available", p, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(fmt.Sprintf("Payment %s", p.Status), p))
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req models.RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse("Invalid request payload", err.Error()))
			return
		}
	}

	rec, err := h.orchestrator.Refund(c.Request.Context(), c.Param("id"), req.Reason, ginActor(c))
	if err != nil {
		h.respond(c, "Refund failed", nil, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("Payment refunded", rec))
}

func (h *PaymentHandler) ConfirmManualPayment(c *gin.Context) {
	var req models.ManualConfirmRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse("Invalid request payload", err.Error()))
			return
		}
	}

	p, err := h.orchestrator.ConfirmManualPayment(c.Request.Context(), c.Param("id"), req.Note, ginActor(c))
	if err != nil {
		h.respond(c, "Manual confirmation failed", p, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse("Reservation confirmed", p))
}

// webhook verifies and applies a provider notification. Outcomes the engine has fully handled,
// including late successes it refunded and payments it does not know, are acknowledged with
// 200 so the provider stops retrying. Only internal failures ask for a retry.
func (h *PaymentHandler) webhook(provider, header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parser, err := h.gateways.Webhook(provider)
		if err != nil {
			c.JSON(http.StatusNotFound, ErrorResponse("Provider not configured", err.Error()))
			return
		}
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse("Invalid request payload", err.Error()))
			return
		}

		ev, err := parser.ParseWebhook(payload, c.GetHeader(header))
		if err != nil {
			h.logger.Warn("WEBHOOK", fmt.Sprintf("Rejected %s webhook: %v", provider, err))
			status := StatusFor(err)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, ErrorResponse("Invalid webhook", err.Error()))
			return
		}
		if ev == nil {
			c.JSON(http.StatusOK, SuccessResponse("Event ignored", nil))
			return
		}

		p, err := h.orchestrator.OnProviderEvent(c.Request.Context(), *ev)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, SuccessResponse("Event applied", p))
		case StatusFor(err) < http.StatusInternalServerError:
			h.logger.Info("WEBHOOK", fmt.Sprintf("%s event for %s settled with %v", provider, ev.TransactionID, err))
			resp := SuccessResponse("Event acknowledged", p)
			resp.Reason = domain.Reason(err)
			c.JSON(http.StatusOK, resp)
		default:
			h.logger.Error("WEBHOOK", fmt.Sprintf("Applying %s event for %s failed: %v", provider, ev.TransactionID, err))
			c.JSON(http.StatusInternalServerError, ErrorResponse("Event not applied", "internal error"))
		}
	}
}
