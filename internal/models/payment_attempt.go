package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AttemptState drives Booking.PaymentStatus.
// CREATED -> AWAITING_GATEWAY -> {SETTLED | FAILED}; SETTLED and FAILED are terminal.
type AttemptState string

const (
	AttemptStateCreated         AttemptState = "CREATED"
	AttemptStateAwaitingGateway AttemptState = "AWAITING_GATEWAY"
	AttemptStateSettled         AttemptState = "SETTLED"
	AttemptStateFailed          AttemptState = "FAILED"
)

// IsTerminal reports whether the attempt accepts no further transitions
func (s AttemptState) IsTerminal() bool {
	return s == AttemptStateSettled || s == AttemptStateFailed
}

// SignalSource identifies the path a status signal arrived through
type SignalSource string

const (
	SourceWebhook     SignalSource = "WEBHOOK"
	SourceRedirect    SignalSource = "REDIRECT"
	SourceManualQuery SignalSource = "MANUAL_QUERY"
	SourceOperator    SignalSource = "OPERATOR"
	SourceSweep       SignalSource = "SWEEP"
	SourceUserCancel  SignalSource = "USER_CANCEL"

	// SourceBackend marks audit rows the service writes on its own behalf
	SourceBackend SignalSource = "BACKEND"
)

// PaymentAttempt tracks one gateway order for a booking. Attempts are never deleted.
type PaymentAttempt struct {
	Reference             string         `json:"reference" db:"reference"`
	BookingID             uuid.UUID      `json:"booking_id" db:"booking_id"`
	ExternalOrderID       sql.NullString `json:"-" db:"external_order_id"`
	State                 AttemptState   `json:"state" db:"state"`
	Amount                int64          `json:"amount" db:"amount"`
	Currency              string         `json:"currency" db:"currency"`
	LastGatewayStatusCode sql.NullString `json:"-" db:"last_gateway_status_code"`
	LastObservedAt        sql.NullTime   `json:"-" db:"last_observed_at"`
	LastSignalSource      sql.NullString `json:"-" db:"last_signal_source"`
	LastError             sql.NullString `json:"-" db:"last_error"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at" db:"updated_at"`
}

// NewPaymentAttempt opens an attempt in CREATED state for a booking
func NewPaymentAttempt(booking *Booking) *PaymentAttempt {
	now := time.Now()
	return &PaymentAttempt{
		Reference: booking.PaymentReference,
		BookingID: booking.ID,
		State:     AttemptStateCreated,
		Amount:    booking.Amount,
		Currency:  booking.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasExternalOrder reports whether the gateway ever accepted the order
func (a *PaymentAttempt) HasExternalOrder() bool {
	return a.ExternalOrderID.Valid && a.ExternalOrderID.String != ""
}

// Summary returns the client-safe view of the attempt
func (a *PaymentAttempt) Summary() *AttemptSummary {
	s := &AttemptSummary{Reference: a.Reference, State: a.State}
	if a.LastObservedAt.Valid {
		t := a.LastObservedAt.Time
		s.LastObservedAt = &t
	}
	return s
}

// Transition is the ledger write derived from a terminal gateway outcome.
// The booking fields are applied only while the booking still holds PENDING in them.
type Transition struct {
	To            AttemptState
	PaymentStatus PaymentStatus
	BookingStatus BookingStatus
}

// TransitionResult reports what a conditional ledger write did
type TransitionResult struct {
	Applied       bool
	PreviousState AttemptState
	Attempt       *PaymentAttempt
	Booking       *Booking
}

// Observation is what the reconciliation engine records with every applied signal
type Observation struct {
	ExternalOrderID string
	StatusCode      string
	ObservedAt      time.Time
	Source          SignalSource
}
