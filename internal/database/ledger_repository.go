package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/models"
)

const (
	bookingColumns = `id, user_id, tour_id, start_date, end_date, guest_count, amount, currency,
		status, payment_status, payment_reference, created_at, updated_at`

	attemptColumns = `reference, booking_id, external_order_id, state, amount, currency,
		last_gateway_status_code, last_observed_at, last_signal_source, last_error, created_at, updated_at`
)

// LedgerRepository is the authoritative store for bookings and payment attempts.
// Every state change is a conditional UPDATE; no row is ever deleted.
type LedgerRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(db *sqlx.DB, logger *logrus.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, logger: logger}
}

// storeError maps driver errors onto the domain taxonomy
func storeError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		switch pqErr.Constraint {
		case constraintAttemptPK, constraintBookingReference:
			return models.ErrDuplicateReference
		case constraintOneOpenAttempt:
			return models.ErrInvalidTransition
		}
	}
	return &models.TransientStoreError{Op: op, Err: err}
}

// ============================================================================
// CREATION
// ============================================================================

// CreateBookingWithAttempt persists a booking, its first attempt and the initiation audit atomically
func (r *LedgerRepository) CreateBookingWithAttempt(ctx context.Context, booking *models.Booking, attempt *models.PaymentAttempt, audit *models.PaymentAudit) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError("begin create booking", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		booking.ID, booking.UserID, booking.TourID, booking.StartDate, booking.EndDate,
		booking.GuestCount, booking.Amount, booking.Currency,
		booking.Status, booking.PaymentStatus, booking.PaymentReference,
		booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		return storeError("insert booking", err)
	}

	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return storeError("insert payment attempt", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return storeError("insert audit", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit create booking", err)
	}
	return nil
}

func insertAttempt(ctx context.Context, ex sqlx.ExecerContext, a *models.PaymentAttempt) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.Reference, a.BookingID, a.ExternalOrderID, a.State, a.Amount, a.Currency,
		a.LastGatewayStatusCode, a.LastObservedAt, a.LastSignalSource, a.LastError,
		a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// OpenRetryAttempt points the booking at a fresh attempt.
// Only a PENDING/PENDING booking still pointing at previousRef may move.
func (r *LedgerRepository) OpenRetryAttempt(ctx context.Context, bookingID uuid.UUID, previousRef string, attempt *models.PaymentAttempt, audit *models.PaymentAudit) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError("begin retry attempt", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET payment_reference = $3, updated_at = NOW()
		WHERE id = $1
		AND payment_reference = $2
		AND status <> 'CANCELLED'
		AND payment_status = 'PENDING'`,
		bookingID, previousRef, attempt.Reference,
	)
	if err != nil {
		return storeError("repoint booking", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeError("repoint booking", err)
	}
	if rows == 0 {
		return models.ErrInvalidTransition
	}

	if err := insertAttempt(ctx, tx, attempt); err != nil {
		return storeError("insert retry attempt", err)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return storeError("insert audit", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit retry attempt", err)
	}
	return nil
}

// ============================================================================
// READS
// ============================================================================

// GetBooking retrieves a booking by ID; nil when absent
func (r *LedgerRepository) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get booking", err)
	}
	return &booking, nil
}

// GetAttempt retrieves a payment attempt by reference; nil when absent
func (r *LedgerRepository) GetAttempt(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.GetContext(ctx, &attempt, `SELECT `+attemptColumns+` FROM payment_attempts WHERE reference = $1`, reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get payment attempt", err)
	}
	return &attempt, nil
}

// ListStaleAttempts returns non-terminal attempts untouched since before, oldest first
func (r *LedgerRepository) ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]*models.PaymentAttempt, error) {
	attempts := []*models.PaymentAttempt{}
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE state IN ('CREATED', 'AWAITING_GATEWAY')
		AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, storeError("list stale attempts", err)
	}
	return attempts, nil
}

// ============================================================================
// CONDITIONAL TRANSITIONS
// ============================================================================

// MarkAwaitingGateway records the gateway order. CREATED moves to AWAITING_GATEWAY;
// an attempt a callback already settled keeps its state and only gains the order id.
func (r *LedgerRepository) MarkAwaitingGateway(ctx context.Context, reference, externalOrderID string) (models.AttemptState, error) {
	var state models.AttemptState
	err := r.db.GetContext(ctx, &state, `
		UPDATE payment_attempts
		SET state = CASE WHEN state = 'CREATED' THEN 'AWAITING_GATEWAY' ELSE state END,
			external_order_id = COALESCE(external_order_id, $2),
			updated_at = NOW()
		WHERE reference = $1
		RETURNING state`,
		reference, externalOrderID,
	)
	if err == sql.ErrNoRows {
		return "", models.ErrUnknownReference
	}
	if err != nil {
		return "", storeError("mark awaiting gateway", err)
	}
	return state, nil
}

// MarkInitFailed fails an attempt the gateway never accepted. Reports false when
// the attempt had already left CREATED.
func (r *LedgerRepository) MarkInitFailed(ctx context.Context, reference, lastError string, audit *models.PaymentAudit) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, storeError("begin mark init failed", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET state = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE reference = $1 AND state = 'CREATED'`,
		reference, lastError,
	)
	if err != nil {
		return false, storeError("mark init failed", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeError("mark init failed", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return false, storeError("insert audit", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeError("commit mark init failed", err)
	}
	return rows > 0, nil
}

// ApplyTransition moves a non-terminal attempt to a terminal state and carries the
// outcome onto the booking in one transaction. Applied is false when the attempt was
// already terminal or another writer won the race.
func (r *LedgerRepository) ApplyTransition(ctx context.Context, reference string, tr models.Transition, obs models.Observation, audit *models.PaymentAudit) (*models.TransitionResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeError("begin transition", err)
	}
	defer tx.Rollback()

	var attempt models.PaymentAttempt
	err = tx.GetContext(ctx, &attempt, `SELECT `+attemptColumns+` FROM payment_attempts WHERE reference = $1`, reference)
	if err == sql.ErrNoRows {
		return nil, models.ErrUnknownReference
	}
	if err != nil {
		return nil, storeError("read attempt", err)
	}

	result := &models.TransitionResult{PreviousState: attempt.State, Attempt: &attempt}
	if attempt.State.IsTerminal() {
		return result, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET state = $2,
			external_order_id = COALESCE(external_order_id, NULLIF($3, '')),
			last_gateway_status_code = $4,
			last_observed_at = $5,
			last_signal_source = $6,
			updated_at = NOW()
		WHERE reference = $1 AND state = $7`,
		reference, tr.To, obs.ExternalOrderID, obs.StatusCode, obs.ObservedAt, obs.Source, attempt.State,
	)
	if err != nil {
		return nil, storeError("update attempt", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, storeError("update attempt", err)
	}
	if rows == 0 {
		// Lost the race; caller re-reads the winner's state
		return result, nil
	}

	var booking models.Booking
	err = tx.GetContext(ctx, &booking, `
		UPDATE bookings
		SET payment_status = CASE WHEN payment_status = 'PENDING' THEN $2 ELSE payment_status END,
			status = CASE WHEN status = 'PENDING' THEN $3 ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+bookingColumns,
		attempt.BookingID, tr.PaymentStatus, tr.BookingStatus,
	)
	if err != nil {
		return nil, storeError("update booking", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, storeError("insert audit", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit transition", err)
	}

	attempt.State = tr.To
	if !attempt.HasExternalOrder() && obs.ExternalOrderID != "" {
		attempt.ExternalOrderID = sql.NullString{String: obs.ExternalOrderID, Valid: true}
	}
	attempt.LastGatewayStatusCode = sql.NullString{String: obs.StatusCode, Valid: obs.StatusCode != ""}
	attempt.LastObservedAt = sql.NullTime{Time: obs.ObservedAt, Valid: true}
	attempt.LastSignalSource = sql.NullString{String: string(obs.Source), Valid: true}

	result.Applied = true
	result.Booking = &booking

	r.logger.WithFields(logrus.Fields{
		"reference":      reference,
		"from":           result.PreviousState,
		"to":             tr.To,
		"booking_id":     booking.ID,
		"status":         booking.Status,
		"payment_status": booking.PaymentStatus,
		"source":         obs.Source,
	}).Info("Payment attempt transitioned")

	return result, nil
}

// RecordObservation stores a non-terminal gateway answer without touching any status.
// Reports false when the attempt is already terminal.
func (r *LedgerRepository) RecordObservation(ctx context.Context, reference string, obs models.Observation, audit *models.PaymentAudit) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, storeError("begin observation", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET last_gateway_status_code = $2,
			last_observed_at = $3,
			last_signal_source = $4,
			updated_at = NOW()
		WHERE reference = $1
		AND state IN ('CREATED', 'AWAITING_GATEWAY')`,
		reference, obs.StatusCode, obs.ObservedAt, obs.Source,
	)
	if err != nil {
		return false, storeError("record observation", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, storeError("record observation", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return false, storeError("insert audit", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeError("commit observation", err)
	}
	return rows > 0, nil
}

// RecordQueryFailure stores why a status query failed and pushes the attempt to the
// back of the sweep queue. Reports false when the attempt is already terminal.
func (r *LedgerRepository) RecordQueryFailure(ctx context.Context, reference, lastError string, audit *models.PaymentAudit) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, storeError("begin query failure", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_attempts
		SET last_error = $2, updated_at = NOW()
		WHERE reference = $1
		AND state IN ('CREATED', 'AWAITING_GATEWAY')`,
		reference, lastError,
	)
	if err != nil {
		return false, storeError("record query failure", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, storeError("record query failure", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return false, storeError("insert audit", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeError("commit query failure", err)
	}
	return rows > 0, nil
}

// CancelUnpaidBooking cancels a PENDING booking whose payment attempt already failed.
// Only the reconciliation service calls it.
func (r *LedgerRepository) CancelUnpaidBooking(ctx context.Context, bookingID uuid.UUID, audit *models.PaymentAudit) (*models.Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeError("begin cancel booking", err)
	}
	defer tx.Rollback()

	var booking models.Booking
	err = tx.GetContext(ctx, &booking, `
		UPDATE bookings
		SET status = 'CANCELLED',
			payment_status = CASE WHEN payment_status = 'PENDING' THEN 'FAILED' ELSE payment_status END,
			updated_at = NOW()
		WHERE id = $1
		AND status = 'PENDING'
		AND NOT EXISTS (
			SELECT 1 FROM payment_attempts
			WHERE booking_id = $1 AND state IN ('CREATED', 'AWAITING_GATEWAY')
		)
		RETURNING `+bookingColumns,
		bookingID,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrInvalidTransition
	}
	if err != nil {
		return nil, storeError("cancel booking", err)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, storeError("insert audit", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit cancel booking", err)
	}
	return &booking, nil
}

