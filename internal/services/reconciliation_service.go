package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/events"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/pkg/gateway"
)

// ReconciliationConfig holds configuration for the reconciliation engine
type ReconciliationConfig struct {
	SweepStaleAfter time.Duration // attempts untouched this long are re-queried
	SweepBatchSize  int
	PublishTimeout  time.Duration
	Now             func() time.Time
}

// DefaultReconciliationConfig returns default configuration
func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		SweepStaleAfter: 20 * time.Minute,
		SweepBatchSize:  50,
		PublishTimeout:  5 * time.Second,
		Now:             time.Now,
	}
}

// SignalMeta is request metadata kept for the audit trail
type SignalMeta struct {
	RawBody        string
	IPAddress      string
	UserAgent      string
	Device         models.JSONB
	ReceivedAmount *int64
}

// Signal is one observation of a payment's status, from any source
type Signal struct {
	Reference       string
	ExternalOrderID string
	ProviderCode    string
	Status          gateway.Status
	Source          models.SignalSource
	ObservedAt      time.Time
	Meta            SignalMeta
}

// CallbackPayload is what the gateway sends on webhook and redirect
type CallbackPayload struct {
	Reference          string               `json:"reference"`
	ExternalOrderID    string               `json:"externalOrderId"`
	ProviderStatusCode gateway.ProviderCode `json:"providerStatusCode"`
}

// ReconcileResult reports the outcome of a Reconcile call.
// Duplicate means the attempt was already terminal or another signal won the race.
type ReconcileResult struct {
	Applied   bool
	Duplicate bool
	Attempt   *models.PaymentAttempt
	Booking   *models.Booking
}

// SweepReport summarizes one stale-attempt sweep
type SweepReport struct {
	Checked int
	Applied int
	Failed  int
}

// ReconciliationService is the only writer of post-creation payment state
type ReconciliationService struct {
	ledger    Ledger
	audits    AuditLogger
	gateway   PaymentGateway
	verifier  CallbackVerifier
	publisher OutcomePublisher
	config    ReconciliationConfig
	logger    *logrus.Logger
}

// NewReconciliationService creates a new reconciliation service. publisher may be nil.
func NewReconciliationService(
	ledger Ledger,
	audits AuditLogger,
	gw PaymentGateway,
	verifier CallbackVerifier,
	publisher OutcomePublisher,
	config ReconciliationConfig,
	logger *logrus.Logger,
) *ReconciliationService {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &ReconciliationService{
		ledger:    ledger,
		audits:    audits,
		gateway:   gw,
		verifier:  verifier,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// transitionFor maps a terminal gateway status onto the ledger write
func transitionFor(status gateway.Status) (models.Transition, bool) {
	switch status {
	case gateway.StatusSettled:
		return models.Transition{
			To:            models.AttemptStateSettled,
			PaymentStatus: models.PaymentStatusPaid,
			BookingStatus: models.BookingStatusConfirmed,
		}, true
	case gateway.StatusFailed, gateway.StatusCancelled:
		return models.Transition{
			To:            models.AttemptStateFailed,
			PaymentStatus: models.PaymentStatusFailed,
			BookingStatus: models.BookingStatusCancelled,
		}, true
	}
	return models.Transition{}, false
}

func outcomeEventType(status gateway.Status) models.PaymentEventType {
	switch status {
	case gateway.StatusSettled:
		return models.PaymentEventSuccess
	case gateway.StatusCancelled:
		return models.PaymentEventCancelled
	default:
		return models.PaymentEventFailed
	}
}

func receivedEventType(source models.SignalSource) models.PaymentEventType {
	switch source {
	case models.SourceWebhook:
		return models.PaymentEventWebhookReceived
	case models.SourceRedirect:
		return models.PaymentEventRedirectReceived
	default:
		return models.PaymentEventStatusCheckResponse
	}
}

// ============================================================================
// RECONCILE
// ============================================================================

// Reconcile applies a signal to the ledger. Safe under any number of concurrent and
// duplicate calls for the same reference: the first committed terminal state wins and
// every later signal is recorded as a duplicate without mutation.
func (s *ReconciliationService) Reconcile(ctx context.Context, sig Signal) (*ReconcileResult, error) {
	startTime := time.Now()
	if strings.TrimSpace(sig.Reference) == "" {
		return nil, models.NewValidationError("reference", "is required")
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = s.config.Now()
	}
	if sig.Status == "" {
		sig.Status = gateway.NormalizeStatus(sig.ProviderCode)
	}

	log := s.logger.WithFields(logrus.Fields{
		"reference":     sig.Reference,
		"source":        sig.Source,
		"provider_code": sig.ProviderCode,
		"status":        sig.Status,
	})

	// 1. Reconciliation never materializes bookings
	attempt, err := s.ledger.GetAttempt(ctx, sig.Reference)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		log.Warn("Signal for unknown payment reference rejected")
		s.logAudit(ctx, s.baseAudit(models.PaymentEventError, sig, startTime).
			SetPaymentReference(sig.Reference).
			SetError(models.ErrUnknownReference.Error()))
		return nil, models.ErrUnknownReference
	}

	// 2. Terminal attempts are never touched again
	if attempt.State.IsTerminal() {
		return s.duplicate(ctx, attempt, sig, startTime)
	}

	obs := models.Observation{
		ExternalOrderID: sig.ExternalOrderID,
		StatusCode:      sig.ProviderCode,
		ObservedAt:      sig.ObservedAt,
		Source:          sig.Source,
	}

	// 3. Non-terminal answers only leave a trace
	tr, terminal := transitionFor(sig.Status)
	if !terminal {
		audit := s.baseAudit(receivedEventType(sig.Source), sig, startTime).ForAttempt(attempt)
		recorded, err := s.ledger.RecordObservation(ctx, sig.Reference, obs, audit)
		if err != nil {
			return nil, err
		}
		if !recorded {
			// Went terminal between the read and the write
			return s.reread(ctx, sig, startTime)
		}
		log.Info("Non-terminal payment status observed; no state change")
		attempt.LastGatewayStatusCode.String, attempt.LastGatewayStatusCode.Valid = sig.ProviderCode, sig.ProviderCode != ""
		attempt.LastObservedAt.Time, attempt.LastObservedAt.Valid = sig.ObservedAt, true
		return &ReconcileResult{Attempt: attempt, Booking: s.bookingFor(ctx, attempt)}, nil
	}

	// 4. Compare-and-swap on the state read inside the transaction
	audit := s.baseAudit(outcomeEventType(sig.Status), sig, startTime).ForAttempt(attempt)
	if sig.Meta.ReceivedAmount != nil {
		if !audit.SetAmounts(attempt.Amount, *sig.Meta.ReceivedAmount, attempt.Currency) {
			log.WithFields(logrus.Fields{
				"expected_amount": attempt.Amount,
				"received_amount": *sig.Meta.ReceivedAmount,
			}).Error("Gateway reported a different amount than the attempt")
		}
	}

	result, err := s.ledger.ApplyTransition(ctx, sig.Reference, tr, obs, audit)
	if err != nil {
		return nil, err
	}
	if !result.Applied {
		return s.reread(ctx, sig, startTime)
	}

	log.WithFields(logrus.Fields{
		"booking_id":     result.Booking.ID,
		"booking_status": result.Booking.Status,
		"payment_status": result.Booking.PaymentStatus,
	}).Info("Payment reconciled")

	s.publish(ctx, result.Attempt, result.Booking, sig.Source)

	return &ReconcileResult{Applied: true, Attempt: result.Attempt, Booking: result.Booking}, nil
}

// reread resolves a lost race by reading the winner's state and reporting a duplicate
func (s *ReconciliationService) reread(ctx context.Context, sig Signal, startTime time.Time) (*ReconcileResult, error) {
	attempt, err := s.ledger.GetAttempt(ctx, sig.Reference)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, models.ErrUnknownReference
	}
	return s.duplicate(ctx, attempt, sig, startTime)
}

// duplicate records a redundant signal and reports the current state unchanged
func (s *ReconciliationService) duplicate(ctx context.Context, attempt *models.PaymentAttempt, sig Signal, startTime time.Time) (*ReconcileResult, error) {
	s.logAudit(ctx, s.baseAudit(models.PaymentEventSignalIgnored, sig, startTime).
		ForAttempt(attempt).
		MarkAsDuplicate())

	if tr, terminal := transitionFor(sig.Status); terminal && attempt.State.IsTerminal() && tr.To != attempt.State {
		s.logger.WithFields(logrus.Fields{
			"reference":     attempt.Reference,
			"attempt_state": attempt.State,
			"signal_status": sig.Status,
			"signal_source": sig.Source,
			"last_source":   attempt.LastSignalSource.String,
		}).Warn("Conflicting terminal status for settled attempt; first outcome kept")

		s.logAudit(ctx, s.baseAudit(models.PaymentEventReconciliationMismatch, sig, startTime).
			ForAttempt(attempt).
			MarkAsDuplicate().
			SetError(fmt.Sprintf("attempt is %s, signal reported %s", attempt.State, sig.Status)))
	} else {
		s.logger.WithFields(logrus.Fields{
			"reference": attempt.Reference,
			"state":     attempt.State,
			"source":    sig.Source,
		}).Info("Duplicate payment signal ignored")
	}

	return &ReconcileResult{Duplicate: true, Attempt: attempt, Booking: s.bookingFor(ctx, attempt)}, nil
}

func (s *ReconciliationService) bookingFor(ctx context.Context, attempt *models.PaymentAttempt) *models.Booking {
	booking, err := s.ledger.GetBooking(ctx, attempt.BookingID)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", attempt.BookingID).Warn("Failed to load booking for reconcile result")
		return nil
	}
	return booking
}

func (s *ReconciliationService) baseAudit(eventType models.PaymentEventType, sig Signal, startTime time.Time) *models.PaymentAudit {
	audit := models.NewPaymentAudit(eventType, sig.Source).
		SetGatewayStatus(sig.ProviderCode, string(sig.Status)).
		SetRawBody(sig.Meta.RawBody).
		SetClient(sig.Meta.IPAddress, sig.Meta.UserAgent, sig.Meta.Device).
		SetProcessingTime(startTime)
	if sig.ExternalOrderID != "" {
		ext := sig.ExternalOrderID
		audit.ExternalOrderID = &ext
	}
	return audit
}

// logAudit writes a standalone audit row; failures are logged and do not fail the signal
func (s *ReconciliationService) logAudit(ctx context.Context, audit *models.PaymentAudit) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, audit); err != nil {
		s.logger.WithError(err).WithField("event_type", audit.EventType).Error("Failed to write payment audit")
	}
}

// publish announces a committed outcome. Best effort: the ledger is already final.
func (s *ReconciliationService) publish(ctx context.Context, attempt *models.PaymentAttempt, booking *models.Booking, source models.SignalSource) {
	if s.publisher == nil {
		return
	}

	eventType := "booking.payment_failed"
	switch {
	case booking.Status == models.BookingStatusConfirmed && booking.PaymentStatus == models.PaymentStatusPaid:
		eventType = "booking.confirmed"
	case booking.Status == models.BookingStatusCancelled:
		eventType = "booking.cancelled"
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PublishTimeout)
	defer cancel()

	err := s.publisher.PublishOutcome(pubCtx, events.BookingOutcomeEvent{
		Type:             eventType,
		BookingID:        booking.ID.String(),
		PaymentReference: attempt.Reference,
		Status:           string(booking.Status),
		PaymentStatus:    string(booking.PaymentStatus),
		AttemptState:     string(attempt.State),
		Amount:           booking.Amount,
		Currency:         booking.Currency,
		Source:           string(source),
		OccurredAt:       s.config.Now(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).Warn("Failed to publish booking outcome")
	}
}

// ============================================================================
// ENTRY POINTS
// ============================================================================

// HandleCallback verifies a webhook or redirect callback and reconciles it
func (s *ReconciliationService) HandleCallback(ctx context.Context, payload CallbackPayload, signature string, source models.SignalSource, meta SignalMeta) (*ReconcileResult, error) {
	startTime := time.Now()
	code := payload.ProviderStatusCode.String()

	if strings.TrimSpace(payload.Reference) == "" {
		return nil, models.NewValidationError("reference", "is required")
	}
	if strings.TrimSpace(code) == "" {
		return nil, models.NewValidationError("providerStatusCode", "is required")
	}

	sig := Signal{
		Reference:       payload.Reference,
		ExternalOrderID: payload.ExternalOrderID,
		ProviderCode:    code,
		Status:          gateway.NormalizeStatus(code),
		Source:          source,
		Meta:            meta,
	}

	if !s.verifier.Verify(payload.Reference, payload.ExternalOrderID, code, signature) {
		s.logger.WithFields(logrus.Fields{
			"reference": payload.Reference,
			"source":    source,
			"ip":        meta.IPAddress,
		}).Warn("Callback signature verification failed")

		s.logAudit(ctx, s.baseAudit(models.PaymentEventError, sig, startTime).
			SetPaymentReference(payload.Reference).
			SetError(models.ErrInvalidSignature.Error()))
		return nil, models.ErrInvalidSignature
	}

	return s.Reconcile(ctx, sig)
}

// QueryAndReconcile asks the gateway for the status of a reference and reconciles the answer.
// Terminal attempts short-circuit without a gateway call.
func (s *ReconciliationService) QueryAndReconcile(ctx context.Context, reference string, source models.SignalSource) (*ReconcileResult, error) {
	attempt, err := s.ledger.GetAttempt(ctx, reference)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, models.ErrUnknownReference
	}
	if attempt.State.IsTerminal() {
		return &ReconcileResult{Duplicate: true, Attempt: attempt, Booking: s.bookingFor(ctx, attempt)}, nil
	}

	startTime := time.Now()
	status, err := s.gateway.QueryStatus(ctx, gateway.StatusQuery{
		Reference:       reference,
		ExternalOrderID: attempt.ExternalOrderID.String,
	})
	if err != nil {
		return s.queryFailed(ctx, attempt, source, err, startTime)
	}

	sig := Signal{
		Reference:       reference,
		ExternalOrderID: status.ExternalOrderID,
		ProviderCode:    status.ProviderCode,
		Status:          status.Status,
		Source:          source,
	}
	if status.Amount > 0 {
		amount := status.Amount
		sig.Meta.ReceivedAmount = &amount
	}
	return s.Reconcile(ctx, sig)
}

// queryFailed records a failed status query against the attempt. A stale CREATED attempt
// the gateway has no order for is failed outright, the same way a rejected CreateOrder is.
func (s *ReconciliationService) queryFailed(ctx context.Context, attempt *models.PaymentAttempt, source models.SignalSource, queryErr error, startTime time.Time) (*ReconcileResult, error) {
	log := s.logger.WithError(queryErr).WithFields(logrus.Fields{
		"reference": attempt.Reference,
		"source":    source,
		"state":     attempt.State,
	})

	stale := s.config.Now().Sub(attempt.UpdatedAt) >= s.config.SweepStaleAfter
	if attempt.State == models.AttemptStateCreated && !attempt.HasExternalOrder() && stale && gateway.IsRejected(queryErr) {
		lastError := "gateway has no order for this reference: " + queryErr.Error()
		audit := models.NewPaymentAudit(models.PaymentEventInitFailed, source).
			ForAttempt(attempt).
			SetError(lastError).
			SetProcessingTime(startTime)

		moved, err := s.ledger.MarkInitFailed(ctx, attempt.Reference, lastError, audit)
		if err != nil {
			return nil, err
		}
		if !moved {
			return s.reread(ctx, Signal{Reference: attempt.Reference, Source: source, ObservedAt: s.config.Now()}, startTime)
		}
		log.Warn("Orphaned payment attempt failed; the gateway never received the order")

		attempt.State = models.AttemptStateFailed
		attempt.LastError.String, attempt.LastError.Valid = lastError, true
		return &ReconcileResult{Applied: true, Attempt: attempt, Booking: s.bookingFor(ctx, attempt)}, nil
	}

	log.Error("Gateway status query failed")

	audit := models.NewPaymentAudit(models.PaymentEventError, source).
		ForAttempt(attempt).
		SetError(queryErr.Error()).
		SetProcessingTime(startTime)
	if _, err := s.ledger.RecordQueryFailure(ctx, attempt.Reference, queryErr.Error(), audit); err != nil {
		s.logger.WithError(err).WithField("reference", attempt.Reference).Error("Failed to record status query failure")
	}
	return nil, fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, queryErr)
}

// CancelBooking applies a user cancellation. An attempt still in flight is closed through
// Reconcile like any CANCELLED outcome; a booking whose attempt already failed is
// cancelled here with the same audit row and outcome event. Settled payments stay.
func (s *ReconciliationService) CancelBooking(ctx context.Context, booking *models.Booking) (*ReconcileResult, error) {
	startTime := time.Now()
	attempt, err := s.ledger.GetAttempt(ctx, booking.PaymentReference)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, models.ErrUnknownReference
	}

	switch attempt.State {
	case models.AttemptStateCreated, models.AttemptStateAwaitingGateway:
		result, err := s.Reconcile(ctx, Signal{
			Reference: attempt.Reference,
			Status:    gateway.StatusCancelled,
			Source:    models.SourceUserCancel,
		})
		if err != nil {
			return nil, err
		}
		if result.Booking == nil || result.Booking.Status != models.BookingStatusCancelled {
			return nil, fmt.Errorf("%w: payment already settled", models.ErrInvalidTransition)
		}
		return result, nil

	case models.AttemptStateSettled:
		return nil, fmt.Errorf("%w: payment already settled", models.ErrInvalidTransition)
	}

	audit := models.NewPaymentAudit(models.PaymentEventCancelled, models.SourceUserCancel).
		ForAttempt(attempt).
		SetProcessingTime(startTime)
	cancelled, err := s.ledger.CancelUnpaidBooking(ctx, booking.ID, audit)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": cancelled.ID,
		"reference":  attempt.Reference,
	}).Info("Unpaid booking cancelled")

	s.publish(ctx, attempt, cancelled, models.SourceUserCancel)

	return &ReconcileResult{Applied: true, Attempt: attempt, Booking: cancelled}, nil
}

// SweepStaleAttempts re-queries attempts that have waited too long for a callback
func (s *ReconciliationService) SweepStaleAttempts(ctx context.Context) (*SweepReport, error) {
	before := s.config.Now().Add(-s.config.SweepStaleAfter)
	attempts, err := s.ledger.ListStaleAttempts(ctx, before, s.config.SweepBatchSize)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, attempt := range attempts {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		result, err := s.QueryAndReconcile(ctx, attempt.Reference, models.SourceSweep)
		if err != nil {
			report.Failed++
			if !errors.Is(err, models.ErrGatewayUnavailable) {
				s.logger.WithError(err).WithField("reference", attempt.Reference).Warn("Sweep reconcile failed")
			}
			continue
		}
		if result.Applied {
			report.Applied++
		}
	}

	return report, nil
}
