package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventInitiated              PaymentEventType = "payment_initiated"
	PaymentEventInitFailed             PaymentEventType = "payment_init_failed"
	PaymentEventWebhookReceived        PaymentEventType = "webhook_received"
	PaymentEventRedirectReceived       PaymentEventType = "redirect_received"
	PaymentEventStatusCheckResponse    PaymentEventType = "status_check_response"
	PaymentEventSuccess                PaymentEventType = "payment_success"
	PaymentEventFailed                 PaymentEventType = "payment_failed"
	PaymentEventCancelled              PaymentEventType = "payment_cancelled"
	PaymentEventSignalIgnored          PaymentEventType = "signal_ignored"
	PaymentEventReconciliationMismatch PaymentEventType = "reconciliation_mismatch"
	PaymentEventError                  PaymentEventType = "error"
)

// PaymentAudit is an immutable audit log entry. One row per signal, duplicates included.
type PaymentAudit struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	BookingID        *uuid.UUID `json:"booking_id,omitempty" db:"booking_id"`
	PaymentReference *string    `json:"payment_reference,omitempty" db:"payment_reference"`
	ExternalOrderID  *string    `json:"external_order_id,omitempty" db:"external_order_id"`

	EventType   PaymentEventType `json:"event_type" db:"event_type"`
	EventSource SignalSource     `json:"event_source" db:"event_source"`

	ProviderStatusCode *string `json:"provider_status_code,omitempty" db:"provider_status_code"`
	NormalizedStatus   *string `json:"normalized_status,omitempty" db:"normalized_status"`

	// Minor currency units
	ExpectedAmount *int64  `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *int64  `json:"received_amount,omitempty" db:"received_amount"`
	Currency       *string `json:"currency,omitempty" db:"currency"`
	AmountsMatch   *bool   `json:"amounts_match,omitempty" db:"amounts_match"`

	RawBody      *string `json:"raw_body,omitempty" db:"raw_body"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	ProcessingTimeMs *int `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	IsDuplicate      bool `json:"is_duplicate" db:"is_duplicate"`

	IPAddress  *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceInfo JSONB   `json:"device_info,omitempty" db:"device_info"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source SignalSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// ForAttempt links the audit to an attempt and its booking
func (pa *PaymentAudit) ForAttempt(a *PaymentAttempt) *PaymentAudit {
	ref := a.Reference
	bookingID := a.BookingID
	pa.PaymentReference = &ref
	pa.BookingID = &bookingID
	if a.HasExternalOrder() {
		ext := a.ExternalOrderID.String
		pa.ExternalOrderID = &ext
	}
	return pa
}

// SetPaymentReference sets our reference when no attempt row is known
func (pa *PaymentAudit) SetPaymentReference(ref string) *PaymentAudit {
	pa.PaymentReference = &ref
	return pa
}

// SetGatewayStatus records the raw provider code and its normalized form
func (pa *PaymentAudit) SetGatewayStatus(providerCode, normalized string) *PaymentAudit {
	if providerCode != "" {
		pa.ProviderStatusCode = &providerCode
	}
	if normalized != "" {
		pa.NormalizedStatus = &normalized
	}
	return pa
}

// SetAmounts records both amounts and reports whether they match
func (pa *PaymentAudit) SetAmounts(expected, received int64, currency string) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received
	pa.Currency = &currency

	match := expected == received
	pa.AmountsMatch = &match
	return match
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message string) *PaymentAudit {
	pa.ErrorMessage = &message
	return pa
}

// SetRawBody stores the raw payload before parsing
func (pa *PaymentAudit) SetRawBody(body string) *PaymentAudit {
	if body != "" {
		pa.RawBody = &body
	}
	return pa
}

// SetClient sets request metadata
func (pa *PaymentAudit) SetClient(ip, userAgent string, device JSONB) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	pa.DeviceInfo = device
	return pa
}

// SetProcessingTime calculates and sets processing time
func (pa *PaymentAudit) SetProcessingTime(startTime time.Time) *PaymentAudit {
	durationMs := int(time.Since(startTime).Milliseconds())
	pa.ProcessingTimeMs = &durationMs
	now := time.Now()
	pa.ProcessedAt = &now
	return pa
}

// MarkAsDuplicate marks this event as a duplicate
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}
