package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/models"
)

const insertAuditQuery = `
	INSERT INTO payment_audits (
		id, booking_id, payment_reference, external_order_id,
		event_type, event_source,
		provider_status_code, normalized_status,
		expected_amount, received_amount, currency, amounts_match,
		raw_body, error_message,
		processing_time_ms, is_duplicate,
		ip_address, user_agent, device_info,
		created_at, processed_at
	) VALUES (
		$1, $2, $3, $4,
		$5, $6,
		$7, $8,
		$9, $10, $11, $12,
		$13, $14,
		$15, $16,
		$17, $18, $19,
		$20, $21
	)`

// insertAudit writes an audit row through a DB or an open transaction
func insertAudit(ctx context.Context, ex sqlx.ExecerContext, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	_, err := ex.ExecContext(ctx, insertAuditQuery,
		audit.ID, audit.BookingID, audit.PaymentReference, audit.ExternalOrderID,
		audit.EventType, audit.EventSource,
		audit.ProviderStatusCode, audit.NormalizedStatus,
		audit.ExpectedAmount, audit.ReceivedAmount, audit.Currency, audit.AmountsMatch,
		audit.RawBody, audit.ErrorMessage,
		audit.ProcessingTimeMs, audit.IsDuplicate,
		audit.IPAddress, audit.UserAgent, audit.DeviceInfo,
		audit.CreatedAt, audit.ProcessedAt,
	)
	return err
}

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log creates a standalone payment audit entry.
// Audits that belong to a ledger transition are written by LedgerRepository inside its transaction.
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if err := insertAudit(ctx, r.db, audit); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": audit.EventType,
			"reference":  audit.PaymentReference,
		}).Error("CRITICAL: Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":     audit.ID,
		"event_type":   audit.EventType,
		"is_duplicate": audit.IsDuplicate,
	}).Debug("Payment audit logged")

	return nil
}

// GetByReference retrieves the audit trail of a payment reference, oldest first
func (r *PaymentAuditRepository) GetByReference(ctx context.Context, reference string) ([]*models.PaymentAudit, error) {
	audits := []*models.PaymentAudit{}
	query := `
		SELECT * FROM payment_audits
		WHERE payment_reference = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, reference); err != nil {
		return nil, fmt.Errorf("failed to get audits by reference: %w", err)
	}

	return audits, nil
}

// CountDuplicates returns how many redundant signals were seen for a reference
func (r *PaymentAuditRepository) CountDuplicates(ctx context.Context, reference string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM payment_audits
		WHERE payment_reference = $1
		AND is_duplicate = TRUE`

	if err := r.db.GetContext(ctx, &count, query, reference); err != nil {
		return 0, fmt.Errorf("failed to count duplicate audits: %w", err)
	}
	return count, nil
}
