package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wanderlust/booking-backend/internal/events"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/pkg/gateway"
)

// Ledger is the durable store of bookings and payment attempts.
// Implemented by database.LedgerRepository.
type Ledger interface {
	CreateBookingWithAttempt(ctx context.Context, booking *models.Booking, attempt *models.PaymentAttempt, audit *models.PaymentAudit) error
	OpenRetryAttempt(ctx context.Context, bookingID uuid.UUID, previousRef string, attempt *models.PaymentAttempt, audit *models.PaymentAudit) error
	GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetAttempt(ctx context.Context, reference string) (*models.PaymentAttempt, error)
	ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]*models.PaymentAttempt, error)
	MarkAwaitingGateway(ctx context.Context, reference, externalOrderID string) (models.AttemptState, error)
	MarkInitFailed(ctx context.Context, reference, lastError string, audit *models.PaymentAudit) (bool, error)
	ApplyTransition(ctx context.Context, reference string, tr models.Transition, obs models.Observation, audit *models.PaymentAudit) (*models.TransitionResult, error)
	RecordObservation(ctx context.Context, reference string, obs models.Observation, audit *models.PaymentAudit) (bool, error)
	RecordQueryFailure(ctx context.Context, reference, lastError string, audit *models.PaymentAudit) (bool, error)
	CancelUnpaidBooking(ctx context.Context, bookingID uuid.UUID, audit *models.PaymentAudit) (*models.Booking, error)
}

// TourCatalog is the authoritative price source
type TourCatalog interface {
	GetTour(ctx context.Context, id uuid.UUID) (*models.Tour, error)
}

// AvailabilityChecker is the inventory check collaborator
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context, tour *models.Tour, stay models.DateRange, guests int) (bool, error)
}

// AuditLogger writes standalone payment audit rows
type AuditLogger interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
}

// PaymentGateway is the external payment provider
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error)
	QueryStatus(ctx context.Context, q gateway.StatusQuery) (*gateway.StatusResult, error)
}

// CallbackVerifier checks gateway callback signatures
type CallbackVerifier interface {
	Verify(reference, externalOrderID, providerCode, signature string) bool
}

// OutcomePublisher announces committed booking outcomes
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event events.BookingOutcomeEvent) error
}

// Reconciler applies status signals and user cancellations to the ledger
type Reconciler interface {
	Reconcile(ctx context.Context, sig Signal) (*ReconcileResult, error)
	CancelBooking(ctx context.Context, booking *models.Booking) (*ReconcileResult, error)
}

// StatusQuerier runs the manual query path for a reference
type StatusQuerier interface {
	QueryAndReconcile(ctx context.Context, reference string, source models.SignalSource) (*ReconcileResult, error)
}

// HandoffStarter begins watching the client handoff of a reference
type HandoffStarter interface {
	Start(reference string) bool
}

// WindowProbe reports the state of the user's gateway window
type WindowProbe interface {
	WindowClosed(ctx context.Context, reference string) (bool, error)
	TryTrigger(ctx context.Context, reference string) (bool, error)
	Clear(ctx context.Context, reference string) error
}
