package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/internal/services"
	"github.com/wanderlust/booking-backend/internal/utils"
	"github.com/wanderlust/booking-backend/pkg/gateway"
)

// SignatureHeader carries the webhook HMAC
const SignatureHeader = "X-Gateway-Signature"

// maxWebhookBody bounds what a callback may send
const maxWebhookBody = 64 << 10

// PaymentReconciler is the reconciliation engine as seen by the HTTP layer
type PaymentReconciler interface {
	HandleCallback(ctx context.Context, payload services.CallbackPayload, signature string, source models.SignalSource, meta services.SignalMeta) (*services.ReconcileResult, error)
	QueryAndReconcile(ctx context.Context, reference string, source models.SignalSource) (*services.ReconcileResult, error)
}

// AuditReader reads the payment audit trail
type AuditReader interface {
	GetByReference(ctx context.Context, reference string) ([]*models.PaymentAudit, error)
	CountDuplicates(ctx context.Context, reference string) (int, error)
}

// SweepRunner exposes the scheduled reconciliation jobs to operators
type SweepRunner interface {
	RunSweepNow()
	GetJobStatus() map[string]interface{}
}

// PaymentHandler handles gateway callbacks and operator payment endpoints
type PaymentHandler struct {
	reconciler        PaymentReconciler
	audits            AuditReader
	jobs              SweepRunner
	frontendResultURL string
	logger            *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler. jobs may be nil.
func NewPaymentHandler(reconciler PaymentReconciler, audits AuditReader, jobs SweepRunner, frontendResultURL string, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		reconciler:        reconciler,
		audits:            audits,
		jobs:              jobs,
		frontendResultURL: frontendResultURL,
		logger:            logger,
	}
}

// RegisterRoutes mounts the public gateway callback routes
func (h *PaymentHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhook", h.Webhook)
	rg.GET("/return", h.Return)
}

// RegisterAdminRoutes mounts the operator routes on an admin-only group
func (h *PaymentHandler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/:reference/query", h.ManualQuery)
	rg.GET("/payments/:reference/audits", h.GetAudits)
	if h.jobs != nil {
		rg.POST("/reconciliation/sweep", h.RunSweep)
		rg.GET("/reconciliation/jobs", h.GetJobs)
	}
}

func requestMeta(c *gin.Context, rawBody string) services.SignalMeta {
	userAgent := utils.GetUserAgent(c)
	return services.SignalMeta{
		RawBody:   rawBody,
		IPAddress: utils.GetRealIP(c),
		UserAgent: userAgent,
		Device:    models.JSONB(utils.ParseUserAgent(userAgent).Map()),
	}
}

func outcomeLabel(result *services.ReconcileResult) string {
	switch {
	case result.Applied:
		return "applied"
	case result.Duplicate:
		return "duplicate"
	default:
		return "recorded"
	}
}

func reconcileBody(result *services.ReconcileResult) gin.H {
	body := gin.H{"result": outcomeLabel(result)}
	if result.Attempt != nil {
		body["payment"] = result.Attempt.Summary()
	}
	if result.Booking != nil {
		body["booking_status"] = result.Booking.Status
		body["payment_status"] = result.Booking.PaymentStatus
	}
	return body
}

// ============================================================================
// WEBHOOK - POST /api/v1/payments/webhook
// ============================================================================

// Webhook handles the server-to-server notification. 2xx only after the signal was
// applied or skipped as a duplicate; 503 asks the gateway to redeliver.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WithField("ip", utils.GetRealIP(c)).Warn("Webhook body exceeds size limit")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		h.logger.WithError(err).Warn("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var payload services.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.WithError(err).WithField("ip", utils.GetRealIP(c)).Warn("Malformed webhook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	result, err := h.reconciler.HandleCallback(
		c.Request.Context(),
		payload,
		c.GetHeader(SignatureHeader),
		models.SourceWebhook,
		requestMeta(c, string(body)),
	)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, reconcileBody(result))
}

// ============================================================================
// REDIRECT CALLBACK - GET /api/v1/payments/return
// ============================================================================

// Return handles the browser redirect back from the gateway, then sends the browser
// to the frontend result page. The page polls the booking; status here is a hint.
func (h *PaymentHandler) Return(c *gin.Context) {
	payload := services.CallbackPayload{
		Reference:          c.Query("reference"),
		ExternalOrderID:    c.Query("orderId"),
		ProviderStatusCode: gateway.ProviderCode(c.Query("code")),
	}

	status := "pending"
	result, err := h.reconciler.HandleCallback(
		c.Request.Context(),
		payload,
		c.Query("sig"),
		models.SourceRedirect,
		requestMeta(c, c.Request.URL.RawQuery),
	)
	switch {
	case err == nil && result.Booking != nil:
		status = strings.ToLower(string(result.Booking.Status))
	case err != nil:
		var vErr *models.ValidationError
		if errors.Is(err, models.ErrInvalidSignature) || errors.Is(err, models.ErrUnknownReference) || errors.As(err, &vErr) {
			status = "invalid"
		}
		h.logger.WithError(err).WithField("reference", payload.Reference).Warn("Redirect callback not applied")
	}

	c.Redirect(http.StatusFound, h.resultURL(payload.Reference, status))
}

func (h *PaymentHandler) resultURL(reference, status string) string {
	u, err := url.Parse(h.frontendResultURL)
	if err != nil {
		h.logger.WithError(err).Error("Invalid frontend result URL")
		return "/"
	}
	q := u.Query()
	q.Set("reference", reference)
	q.Set("status", status)
	u.RawQuery = q.Encode()
	return u.String()
}

// ============================================================================
// OPERATOR ENDPOINTS - /api/v1/admin
// ============================================================================

// ManualQuery asks the gateway for the status of a reference and reconciles it
func (h *PaymentHandler) ManualQuery(c *gin.Context) {
	reference := c.Param("reference")

	result, err := h.reconciler.QueryAndReconcile(c.Request.Context(), reference, models.SourceOperator)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"reference": reference,
		"result":    outcomeLabel(result),
	}).Info("Operator payment query")
	c.JSON(http.StatusOK, reconcileBody(result))
}

// GetAudits returns the audit trail of a reference, duplicates included
func (h *PaymentHandler) GetAudits(c *gin.Context) {
	reference := c.Param("reference")

	audits, err := h.audits.GetByReference(c.Request.Context(), reference)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	duplicates, err := h.audits.CountDuplicates(c.Request.Context(), reference)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference":       reference,
		"audits":          audits,
		"duplicate_count": duplicates,
	})
}

// RunSweep triggers the stale attempt sweep immediately
func (h *PaymentHandler) RunSweep(c *gin.Context) {
	go h.jobs.RunSweepNow()
	c.JSON(http.StatusAccepted, gin.H{"message": "Stale payment attempt sweep triggered"})
}

// GetJobs returns the status of the scheduled reconciliation jobs
func (h *PaymentHandler) GetJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.GetJobStatus())
}
