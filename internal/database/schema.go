package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Constraint names the repositories translate into domain errors
const (
	constraintAttemptPK        = "payment_attempts_pkey"
	constraintBookingReference = "bookings_payment_reference_key"
	constraintOneOpenAttempt   = "payment_attempts_one_open_per_booking"
	uniqueViolation            = "23505"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tours (
		id              UUID PRIMARY KEY,
		name            TEXT NOT NULL,
		price_per_night BIGINT NOT NULL CHECK (price_per_night >= 0),
		currency        CHAR(3) NOT NULL,
		pricing_unit    TEXT NOT NULL DEFAULT 'night' CHECK (pricing_unit IN ('night', 'guest_night')),
		capacity        INTEGER NOT NULL DEFAULT 0,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id                UUID PRIMARY KEY,
		user_id           UUID NOT NULL,
		tour_id           UUID NOT NULL REFERENCES tours(id),
		start_date        DATE NOT NULL,
		end_date          DATE NOT NULL,
		guest_count       INTEGER NOT NULL CHECK (guest_count > 0),
		amount            BIGINT NOT NULL CHECK (amount >= 0),
		currency          CHAR(3) NOT NULL,
		status            TEXT NOT NULL CHECK (status IN ('PENDING', 'CONFIRMED', 'CANCELLED')),
		payment_status    TEXT NOT NULL CHECK (payment_status IN ('PENDING', 'PAID', 'FAILED', 'REFUNDED')),
		payment_reference TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT bookings_payment_reference_key UNIQUE (payment_reference),
		CHECK (start_date < end_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_tour_dates ON bookings (tour_id, start_date, end_date)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		reference                TEXT NOT NULL,
		booking_id               UUID NOT NULL REFERENCES bookings(id),
		external_order_id        TEXT,
		state                    TEXT NOT NULL CHECK (state IN ('CREATED', 'AWAITING_GATEWAY', 'SETTLED', 'FAILED')),
		amount                   BIGINT NOT NULL,
		currency                 CHAR(3) NOT NULL,
		last_gateway_status_code TEXT,
		last_observed_at         TIMESTAMPTZ,
		last_signal_source       TEXT,
		last_error               TEXT,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT payment_attempts_pkey PRIMARY KEY (reference)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payment_attempts_one_open_per_booking
		ON payment_attempts (booking_id) WHERE state IN ('CREATED', 'AWAITING_GATEWAY')`,
	`CREATE INDEX IF NOT EXISTS idx_payment_attempts_stale ON payment_attempts (state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS payment_audits (
		id                   UUID PRIMARY KEY,
		booking_id           UUID,
		payment_reference    TEXT,
		external_order_id    TEXT,
		event_type           TEXT NOT NULL,
		event_source         TEXT NOT NULL,
		provider_status_code TEXT,
		normalized_status    TEXT,
		expected_amount      BIGINT,
		received_amount      BIGINT,
		currency             CHAR(3),
		amounts_match        BOOLEAN,
		raw_body             TEXT,
		error_message        TEXT,
		processing_time_ms   INTEGER,
		is_duplicate         BOOLEAN NOT NULL DEFAULT FALSE,
		ip_address           TEXT,
		user_agent           TEXT,
		device_info          JSONB,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_audits_reference ON payment_audits (payment_reference, created_at)`,
}

// InitSchema creates the tables and indexes if they do not exist
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
