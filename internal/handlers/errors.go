package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/models"
)

// statusFor maps the domain error taxonomy onto HTTP
func statusFor(err error) (int, string) {
	var vErr *models.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusConflict, "unavailable"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrBookingNotFound):
		return http.StatusNotFound, "booking_not_found"
	case errors.Is(err, models.ErrUnknownReference):
		return http.StatusNotFound, "unknown_reference"
	case errors.Is(err, models.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, models.ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable"
	case models.IsRetriable(err):
		return http.StatusServiceUnavailable, "temporarily_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError writes err as JSON. Server-side failures are logged; messages of
// unexpected errors are not echoed to the client.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status, code := statusFor(err)

	body := gin.H{"error": code, "message": err.Error()}
	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		body["field"] = vErr.Field
		body["message"] = vErr.Message
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"status": status,
		}).Error("Request failed")
		if status == http.StatusInternalServerError {
			body["message"] = "internal server error"
		}
	}

	c.JSON(status, body)
}
