package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/middleware"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/internal/services"
)

// BookingManager is the booking service as seen by the HTTP layer
type BookingManager interface {
	CreateBooking(ctx context.Context, userID uuid.UUID, in services.CreateBookingInput) (*services.BookingResult, error)
	GetBooking(ctx context.Context, req services.Requester, bookingID uuid.UUID) (*services.BookingResult, error)
	RetryPayment(ctx context.Context, req services.Requester, bookingID uuid.UUID, customer models.CustomerInfo) (*services.BookingResult, error)
	CancelBooking(ctx context.Context, req services.Requester, bookingID uuid.UUID) (*models.Booking, error)
}

// HandoffRecorder stores the client handoff signals posted by the UI
type HandoffRecorder interface {
	Heartbeat(ctx context.Context, reference string) error
	MarkClosed(ctx context.Context, reference string) error
}

// BookingHandler handles the client-facing booking endpoints
type BookingHandler struct {
	bookings BookingManager
	handoff  HandoffRecorder
	logger   *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(bookings BookingManager, handoff HandoffRecorder, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		handoff:  handoff,
		logger:   logger,
	}
}

// RegisterRoutes mounts the booking routes on an authenticated group
func (h *BookingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.CreateBooking)
	rg.GET("/:id", h.GetBooking)
	rg.POST("/:id/retry-payment", h.RetryPayment)
	rg.POST("/:id/cancel", h.CancelBooking)
	rg.POST("/:id/handoff/heartbeat", h.HandoffHeartbeat)
	rg.POST("/:id/handoff/closed", h.HandoffClosed)
}

func requester(c *gin.Context) (services.Requester, bool) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return services.Requester{}, false
	}
	return services.Requester{UserID: userCtx.UserID, IsAdmin: userCtx.IsAdmin()}, true
}

func bookingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id"})
		return uuid.Nil, false
	}
	return id, true
}

// ============================================================================
// CREATE BOOKING - POST /api/v1/bookings
// ============================================================================

// CreateBooking creates a PENDING booking and opens its payment.
// A gateway failure answers 502 with the persisted booking so the client can retry payment.
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	req, ok := requester(c)
	if !ok {
		return
	}

	var body models.CreateBookingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	tourID, err := uuid.Parse(body.TourID)
	if err != nil {
		respondError(c, h.logger, models.NewValidationError("tour_id", "must be a UUID"))
		return
	}
	stay, err := models.NewDateRange(body.StartDate, body.EndDate)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, err := h.bookings.CreateBooking(c.Request.Context(), req.UserID, services.CreateBookingInput{
		TourID:     tourID,
		Stay:       stay,
		GuestCount: body.GuestCount,
		Customer:   body.Customer,
	})
	if err != nil {
		if errors.Is(err, models.ErrGatewayUnavailable) && result != nil {
			h.logger.WithError(err).WithField("booking_id", result.Booking.ID).Warn("Booking kept after gateway failure")
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Payment could not be started. Retry payment for this booking.",
				"booking": result.Response(),
			})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, result.Response())
}

// ============================================================================
// STATUS / RETRY / CANCEL
// ============================================================================

// GetBooking returns the current status and payment status (UI polling target)
func (h *BookingHandler) GetBooking(c *gin.Context) {
	req, ok := requester(c)
	if !ok {
		return
	}
	id, ok := bookingID(c)
	if !ok {
		return
	}

	result, err := h.bookings.GetBooking(c.Request.Context(), req, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result.Response())
}

type retryPaymentRequest struct {
	Customer models.CustomerInfo `json:"customer"`
}

// RetryPayment opens a new payment attempt after the gateway rejected order creation
func (h *BookingHandler) RetryPayment(c *gin.Context) {
	req, ok := requester(c)
	if !ok {
		return
	}
	id, ok := bookingID(c)
	if !ok {
		return
	}

	var body retryPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	result, err := h.bookings.RetryPayment(c.Request.Context(), req, id, body.Customer)
	if err != nil {
		if errors.Is(err, models.ErrGatewayUnavailable) && result != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Payment could not be started. Retry payment for this booking.",
				"booking": result.Response(),
			})
			return
		}
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result.Response())
}

// CancelBooking cancels an unpaid booking
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	req, ok := requester(c)
	if !ok {
		return
	}
	id, ok := bookingID(c)
	if !ok {
		return
	}

	booking, err := h.bookings.CancelBooking(c.Request.Context(), req, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// ============================================================================
// CLIENT HANDOFF - POST /api/v1/bookings/:id/handoff/{heartbeat,closed}
// ============================================================================

// HandoffHeartbeat records that the gateway window is still open and returns the current status
func (h *BookingHandler) HandoffHeartbeat(c *gin.Context) {
	h.recordHandoff(c, h.handoff.Heartbeat)
}

// HandoffClosed records that the gateway window closed without a result in the page
func (h *BookingHandler) HandoffClosed(c *gin.Context) {
	h.recordHandoff(c, h.handoff.MarkClosed)
}

func (h *BookingHandler) recordHandoff(c *gin.Context, record func(ctx context.Context, reference string) error) {
	req, ok := requester(c)
	if !ok {
		return
	}
	id, ok := bookingID(c)
	if !ok {
		return
	}

	result, err := h.bookings.GetBooking(c.Request.Context(), req, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if result.Attempt != nil && !result.Attempt.State.IsTerminal() {
		if err := record(c.Request.Context(), result.Attempt.Reference); err != nil {
			// The watcher falls back to its deadline and the sweep; the UI keeps polling
			h.logger.WithError(err).WithField("reference", result.Attempt.Reference).Warn("Failed to record handoff signal")
		}
	}
	c.JSON(http.StatusOK, result.Response())
}
