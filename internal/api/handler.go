package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/gateway"
	"escrow-service/internal/idempotency"
	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	escrow   *service.EscrowService
	disputes *service.DisputeService
	breakers *resilience.Registry
	queue    *resilience.FailedOperationQueue
	guard    *idempotency.Guard
	deps     map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	escrow *service.EscrowService,
	disputes *service.DisputeService,
	breakers *resilience.Registry,
	queue *resilience.FailedOperationQueue,
	guard *idempotency.Guard,
) *Handler {
	return &Handler{
		escrow:   escrow,
		disputes: disputes,
		breakers: breakers,
		queue:    queue,
		guard:    guard,
		deps:     make(map[string]Pinger),
		logger:   util.GetLogger(),
	}
}

// AddReadinessCheck makes /ready fail while dep is unreachable
func (h *Handler) AddReadinessCheck(name string, dep Pinger) {
	h.deps[name] = dep
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/orders", h.createOrder)
		v1.POST("/payments/verify", h.verifyPayment)
		v1.POST("/payments/webhook", h.webhook)
		v1.GET("/payments/order/:orderId", h.getPaymentByOrder)

		v1.GET("/requests/:id/payment", h.getPaymentByRequest)
		v1.POST("/requests/:id/release", h.releasePayment)
		v1.GET("/requests/:id/dispute", h.getDisputeByRequest)

		v1.POST("/disputes", h.raiseDispute)
		v1.GET("/disputes/:id", h.getDispute)
		v1.POST("/disputes/:id/evidence", h.addEvidence)
		v1.POST("/disputes/:id/review", h.startReview)
		v1.POST("/disputes/:id/escalate", h.escalateDispute)
		v1.POST("/disputes/:id/notes", h.addAdminNote)
		v1.POST("/disputes/:id/resolve", h.resolveDispute)
	}

	ops := router.Group("/api/v1/ops")
	{
		ops.GET("/breakers", h.breakerStats)
		ops.POST("/breakers/reset", h.resetAllBreakers)
		ops.POST("/breakers/:name/reset", h.resetBreaker)
		ops.GET("/queues", h.queueStats)
		ops.POST("/queues/process", h.processQueues)
		ops.DELETE("/queues/:name", h.clearQueue)
		ops.GET("/transactions", h.transactionStats)
		ops.GET("/idempotency", h.idempotencyStats)
		ops.DELETE("/idempotency", h.clearIdempotency)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createOrderRequest struct {
	RequestID string          `json:"request_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// createOrder opens a gateway order for a request's escrow
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	payment, err := h.escrow.CreateOrder(c.Request.Context(), req.RequestID, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

type verifyPaymentRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// verifyPayment applies a client-side checkout confirmation
func (h *Handler) verifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	payment, err := h.escrow.VerifyPayment(c.Request.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

// webhook applies a gateway webhook. The raw body is needed for the
// signature check, so it is read before any decoding.
func (h *Handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.respondError(c, apperrors.Validation("body", "unreadable: %v", err))
		return
	}

	res, err := h.escrow.HandleWebhook(c.Request.Context(), body, c.GetHeader(gateway.SignatureHeader))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) getPaymentByOrder(c *gin.Context) {
	payment, err := h.escrow.GetPaymentByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) getPaymentByRequest(c *gin.Context) {
	payment, err := h.escrow.GetPaymentByRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type releaseRequest struct {
	InitiatedBy string `json:"initiated_by" binding:"required"`
}

// releasePayment is the manual release after the request is completed
func (h *Handler) releasePayment(c *gin.Context) {
	var req releaseRequest
	if !bindJSON(c, &req) {
		return
	}

	payment, err := h.escrow.Release(c.Request.Context(), c.Param("id"), req.InitiatedBy, true)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

// bindJSON decodes the body into dst and writes a 400 on failure
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// respondError maps the error taxonomy onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	body := gin.H{"error": err.Error()}

	var be *apperrors.BusinessLogicError
	if errors.As(err, &be) {
		body["code"] = be.Code
	}
	var ce *apperrors.CircuitOpenError
	if errors.As(err, &ce) {
		wait := time.Until(ce.RetryAt).Seconds()
		if wait < 1 {
			wait = 1
		}
		c.Header("Retry-After", strconv.Itoa(int(wait)))
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}

	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
