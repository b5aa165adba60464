package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/internal/utils"
	"github.com/wanderlust/booking-backend/pkg/gateway"
	"github.com/wanderlust/booking-backend/pkg/validator"
)

// BookingServiceConfig holds configuration for the booking service
type BookingServiceConfig struct {
	ConfirmationPolicy   models.ConfirmationPolicy
	MaxReferenceAttempts int    // regenerations allowed when a reference collides
	PhoneCountryCode     string // applied to customer phones written in national form
	Now                  func() time.Time
}

// DefaultBookingServiceConfig returns default configuration
func DefaultBookingServiceConfig() BookingServiceConfig {
	return BookingServiceConfig{
		ConfirmationPolicy:   models.ConfirmationPaymentGated,
		MaxReferenceAttempts: 3,
		Now:                  time.Now,
	}
}

// CreateBookingInput is a validated-shape booking request
type CreateBookingInput struct {
	TourID     uuid.UUID
	Stay       models.DateRange
	GuestCount int
	Customer   models.CustomerInfo
}

// Requester is the black-box current user handed over by the auth layer
type Requester struct {
	UserID  uuid.UUID
	IsAdmin bool
}

// BookingResult is a booking with its current attempt and, when the gateway accepted
// the order, the URL the customer must be sent to
type BookingResult struct {
	Booking     *models.Booking
	Attempt     *models.PaymentAttempt
	RedirectURL string
}

// Response converts the result into the client-facing shape
func (r *BookingResult) Response() *models.BookingResponse {
	resp := &models.BookingResponse{Booking: r.Booking, RedirectURL: r.RedirectURL}
	if r.Attempt != nil {
		resp.Payment = r.Attempt.Summary()
	}
	return resp
}

// BookingService creates bookings and opens their payment attempts
type BookingService struct {
	ledger     Ledger
	tours      TourCatalog
	inventory  AvailabilityChecker
	gateway    PaymentGateway
	reconciler Reconciler
	watcher    HandoffStarter
	contacts   *validator.ContactValidator
	config     BookingServiceConfig
	logger     *logrus.Logger

	referenceSuffix func() (string, error)
}

// NewBookingService creates a new booking service. watcher may be nil.
func NewBookingService(
	ledger Ledger,
	tours TourCatalog,
	inventory AvailabilityChecker,
	gw PaymentGateway,
	reconciler Reconciler,
	watcher HandoffStarter,
	config BookingServiceConfig,
	logger *logrus.Logger,
) *BookingService {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MaxReferenceAttempts <= 0 {
		config.MaxReferenceAttempts = 3
	}
	if config.ConfirmationPolicy == "" {
		config.ConfirmationPolicy = models.ConfirmationPaymentGated
	}
	return &BookingService{
		ledger:          ledger,
		tours:           tours,
		inventory:       inventory,
		gateway:         gw,
		reconciler:      reconciler,
		watcher:         watcher,
		contacts:        validator.NewContactValidator(config.PhoneCountryCode),
		config:          config,
		logger:          logger,
		referenceSuffix: randomSuffix,
	}
}

func randomSuffix() (string, error) {
	return utils.GenerateSecret(4)
}

func (s *BookingService) newReference(bookingID uuid.UUID) (string, error) {
	suffix, err := s.referenceSuffix()
	if err != nil {
		return "", fmt.Errorf("failed to generate payment reference: %w", err)
	}
	return fmt.Sprintf("BOOKING-%s-%s", bookingID, suffix), nil
}

// ============================================================================
// CREATE BOOKING
// ============================================================================

func (s *BookingService) validate(in CreateBookingInput) error {
	if in.TourID == uuid.Nil {
		return models.NewValidationError("tour_id", "is required")
	}
	if in.GuestCount <= 0 {
		return models.NewValidationError("guest_count", "must be greater than zero")
	}
	if !in.Stay.Start.Before(in.Stay.End) {
		return models.NewValidationError("end_date", "must be after start_date")
	}

	now := s.config.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !in.Stay.Start.After(today) {
		return models.NewValidationError("start_date", "must be in the future")
	}
	return nil
}

// normalizeCustomer cleans the contact details forwarded to the gateway
func (s *BookingService) normalizeCustomer(c models.CustomerInfo) (models.CustomerInfo, error) {
	phone, err := s.contacts.NormalizePhone(c.Phone)
	if err != nil {
		return c, models.NewValidationError("customer.phone", err.Error())
	}
	email, err := s.contacts.NormalizeEmail(c.Email)
	if err != nil {
		return c, models.NewValidationError("customer.email", err.Error())
	}
	return models.CustomerInfo{Name: strings.TrimSpace(c.Name), Email: email, Phone: phone}, nil
}

// CreateBooking validates the request, prices it from the tour, persists the booking with
// its first attempt and opens a gateway order. When the gateway fails the booking is kept
// and the result is returned together with an ErrGatewayUnavailable error.
func (s *BookingService) CreateBooking(ctx context.Context, userID uuid.UUID, in CreateBookingInput) (*BookingResult, error) {
	// 1. Validate input
	if err := s.validate(in); err != nil {
		return nil, err
	}
	customer, err := s.normalizeCustomer(in.Customer)
	if err != nil {
		return nil, err
	}

	// 2. Authoritative price source
	tour, err := s.tours.GetTour(ctx, in.TourID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tour: %w", err)
	}
	if tour == nil || !tour.Active {
		return nil, models.NewValidationError("tour_id", models.ErrTourNotFound.Error())
	}

	// 3. Inventory check
	available, err := s.inventory.IsAvailable(ctx, tour, in.Stay, in.GuestCount)
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}
	if !available {
		return nil, models.ErrUnavailable
	}

	// 4. Build booking
	now := s.config.Now()
	booking := &models.Booking{
		ID:            uuid.New(),
		UserID:        userID,
		TourID:        tour.ID,
		StartDate:     in.Stay.Start,
		EndDate:       in.Stay.End,
		GuestCount:    in.GuestCount,
		Amount:        tour.PriceFor(in.Stay, in.GuestCount),
		Currency:      tour.Currency,
		Status:        models.BookingStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.config.ConfirmationPolicy == models.ConfirmationPayLater {
		booking.Status = models.BookingStatusConfirmed
	}

	// 5. Persist booking + attempt atomically, regenerating the reference on collision
	attempt, err := s.persistWithFreshReference(ctx, booking.ID, func(ref string) (*models.PaymentAttempt, error) {
		booking.PaymentReference = ref
		attempt := models.NewPaymentAttempt(booking)
		return attempt, s.ledger.CreateBookingWithAttempt(ctx, booking, attempt, initiatedAudit(attempt))
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"user_id":    userID,
		"tour_id":    tour.ID,
		"reference":  attempt.Reference,
		"amount":     booking.Amount,
		"nights":     in.Stay.Nights(),
	}).Info("Booking created")

	// 6. Open the gateway order. The rows are committed; the caller can no longer cancel this.
	return s.initiatePayment(context.WithoutCancel(ctx), booking, attempt, customer)
}

func initiatedAudit(attempt *models.PaymentAttempt) *models.PaymentAudit {
	audit := models.NewPaymentAudit(models.PaymentEventInitiated, models.SourceBackend).ForAttempt(attempt)
	amount := attempt.Amount
	currency := attempt.Currency
	audit.ExpectedAmount = &amount
	audit.Currency = &currency
	return audit
}

func (s *BookingService) persistWithFreshReference(ctx context.Context, bookingID uuid.UUID, persist func(ref string) (*models.PaymentAttempt, error)) (*models.PaymentAttempt, error) {
	var lastErr error
	for i := 0; i < s.config.MaxReferenceAttempts; i++ {
		ref, err := s.newReference(bookingID)
		if err != nil {
			return nil, err
		}

		attempt, err := persist(ref)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, models.ErrDuplicateReference) {
			return nil, err
		}

		s.logger.WithField("reference", ref).Warn("Payment reference collision, regenerating")
		lastErr = err
	}
	return nil, fmt.Errorf("failed to allocate a unique payment reference: %w", lastErr)
}

// initiatePayment asks the gateway for an order and records the outcome on the attempt
func (s *BookingService) initiatePayment(ctx context.Context, booking *models.Booking, attempt *models.PaymentAttempt, customer models.CustomerInfo) (*BookingResult, error) {
	result := &BookingResult{Booking: booking, Attempt: attempt}
	log := s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"reference":  attempt.Reference,
	})

	order, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		Reference:   attempt.Reference,
		Amount:      attempt.Amount,
		Currency:    attempt.Currency,
		Description: fmt.Sprintf("Booking %s", booking.ID),
		Customer: gateway.Customer{
			Name:  strings.TrimSpace(customer.Name),
			Email: strings.TrimSpace(customer.Email),
			Phone: strings.TrimSpace(customer.Phone),
		},
	})
	if err != nil {
		log.WithError(err).Error("Gateway order creation failed")

		audit := models.NewPaymentAudit(models.PaymentEventInitFailed, models.SourceBackend).
			ForAttempt(attempt).
			SetError(err.Error())
		failed, markErr := s.ledger.MarkInitFailed(ctx, attempt.Reference, err.Error(), audit)
		switch {
		case markErr != nil:
			log.WithError(markErr).Error("Failed to record gateway failure on attempt")
		case failed:
			attempt.State = models.AttemptStateFailed
			attempt.LastError.String, attempt.LastError.Valid = err.Error(), true
		default:
			log.Warn("Attempt left CREATED before the gateway failure was recorded")
		}
		return result, fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
	}

	state, err := s.ledger.MarkAwaitingGateway(ctx, attempt.Reference, order.ExternalOrderID)
	if err != nil {
		return result, fmt.Errorf("failed to record gateway order: %w", err)
	}
	attempt.State = state
	attempt.ExternalOrderID.String, attempt.ExternalOrderID.Valid = order.ExternalOrderID, order.ExternalOrderID != ""
	result.RedirectURL = order.RedirectURL

	if state == models.AttemptStateAwaitingGateway && s.watcher != nil {
		s.watcher.Start(attempt.Reference)
	}

	log.WithFields(logrus.Fields{
		"external_order_id": order.ExternalOrderID,
		"state":             state,
	}).Info("Payment initiated")

	return result, nil
}

// ============================================================================
// READ / RETRY / CANCEL
// ============================================================================

// loadOwned returns the booking if the requester may see it; others get ErrBookingNotFound
func (s *BookingService) loadOwned(ctx context.Context, req Requester, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil || (!req.IsAdmin && booking.UserID != req.UserID) {
		return nil, models.ErrBookingNotFound
	}
	return booking, nil
}

// GetBooking returns the booking and its current attempt
func (s *BookingService) GetBooking(ctx context.Context, req Requester, bookingID uuid.UUID) (*BookingResult, error) {
	booking, err := s.loadOwned(ctx, req, bookingID)
	if err != nil {
		return nil, err
	}
	attempt, err := s.ledger.GetAttempt(ctx, booking.PaymentReference)
	if err != nil {
		return nil, err
	}
	return &BookingResult{Booking: booking, Attempt: attempt}, nil
}

// RetryPayment opens a fresh attempt with a new reference for a booking whose order the
// gateway never accepted
func (s *BookingService) RetryPayment(ctx context.Context, req Requester, bookingID uuid.UUID, customer models.CustomerInfo) (*BookingResult, error) {
	customer, err := s.normalizeCustomer(customer)
	if err != nil {
		return nil, err
	}
	booking, err := s.loadOwned(ctx, req, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.CanRetryPayment() {
		return nil, fmt.Errorf("%w: booking is %s/%s", models.ErrInvalidTransition, booking.Status, booking.PaymentStatus)
	}

	current, err := s.ledger.GetAttempt(ctx, booking.PaymentReference)
	if err != nil {
		return nil, err
	}
	if current == nil || current.State != models.AttemptStateFailed || current.HasExternalOrder() {
		return nil, fmt.Errorf("%w: current payment attempt is still addressable", models.ErrInvalidTransition)
	}

	next := *booking
	attempt, err := s.persistWithFreshReference(ctx, booking.ID, func(ref string) (*models.PaymentAttempt, error) {
		next.PaymentReference = ref
		attempt := models.NewPaymentAttempt(&next)
		return attempt, s.ledger.OpenRetryAttempt(ctx, booking.ID, current.Reference, attempt, initiatedAudit(attempt))
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":         booking.ID,
		"previous_reference": current.Reference,
		"reference":          attempt.Reference,
	}).Info("Payment retry opened")

	return s.initiatePayment(context.WithoutCancel(ctx), &next, attempt, customer)
}

// CancelBooking cancels an unpaid booking. The state change itself belongs to the
// reconciliation service; nothing is deleted.
func (s *BookingService) CancelBooking(ctx context.Context, req Requester, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.loadOwned(ctx, req, bookingID)
	if err != nil {
		return nil, err
	}

	switch booking.Status {
	case models.BookingStatusCancelled:
		return booking, nil
	case models.BookingStatusConfirmed:
		return nil, fmt.Errorf("%w: confirmed bookings cannot be cancelled here", models.ErrInvalidTransition)
	}

	result, err := s.reconciler.CancelBooking(ctx, booking)
	if err != nil {
		return nil, err
	}
	return result.Booking, nil
}
