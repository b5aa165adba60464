package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING STATUSES (matches CHECK constraints on bookings)
// ============================================================================

// BookingStatus is the business-visible state of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
)

// IsTerminal reports whether no further automatic transition may leave this status
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusConfirmed || s == BookingStatusCancelled
}

// PaymentStatus is the payment-subsystem state of a booking.
// It is decoupled from BookingStatus so pay-later bookings can be CONFIRMED while PENDING here.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// ConfirmationPolicy decides the booking status stored at creation time
type ConfirmationPolicy string

const (
	// ConfirmationPaymentGated confirms a booking only after the payment settles
	ConfirmationPaymentGated ConfirmationPolicy = "payment_gated"
	// ConfirmationPayLater confirms at creation; payment is settled separately
	ConfirmationPayLater ConfirmationPolicy = "pay_later"
)

// ============================================================================
// DATE RANGE
// ============================================================================

// DateLayout is the wire format for stay dates
const DateLayout = "2006-01-02"

// DateRange is a half-open stay interval [Start, End); End is the checkout day
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange parses two YYYY-MM-DD dates
func NewDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, strings.TrimSpace(start))
	if err != nil {
		return DateRange{}, NewValidationError("start_date", "must be a date in YYYY-MM-DD format")
	}
	e, err := time.Parse(DateLayout, strings.TrimSpace(end))
	if err != nil {
		return DateRange{}, NewValidationError("end_date", "must be a date in YYYY-MM-DD format")
	}
	return DateRange{Start: s, End: e}, nil
}

// Nights returns the number of nights in the range
func (r DateRange) Nights() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// Overlaps reports whether two ranges share at least one night
func (r DateRange) Overlaps(other DateRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// ============================================================================
// BOOKING
// ============================================================================

// Booking is a customer's reservation of a tour for a date range
type Booking struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	UserID           uuid.UUID     `json:"user_id" db:"user_id"`
	TourID           uuid.UUID     `json:"tour_id" db:"tour_id"`
	StartDate        time.Time     `json:"start_date" db:"start_date"`
	EndDate          time.Time     `json:"end_date" db:"end_date"`
	GuestCount       int           `json:"guest_count" db:"guest_count"`
	Amount           int64         `json:"amount" db:"amount"` // minor currency units
	Currency         string        `json:"currency" db:"currency"`
	Status           BookingStatus `json:"status" db:"status"`
	PaymentStatus    PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentReference string        `json:"payment_reference" db:"payment_reference"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// DateRange returns the stay interval of the booking
func (b *Booking) DateRange() DateRange {
	return DateRange{Start: b.StartDate, End: b.EndDate}
}

// CanRetryPayment reports whether a fresh payment attempt may be opened
func (b *Booking) CanRetryPayment() bool {
	return b.Status != BookingStatusCancelled && b.PaymentStatus == PaymentStatusPending
}

// ============================================================================
// TOURS (authoritative price source)
// ============================================================================

// PricingUnit says what the tour price is multiplied by
type PricingUnit string

const (
	PricingPerNight      PricingUnit = "night"
	PricingPerGuestNight PricingUnit = "guest_night"
)

// Tour is a bookable tour or accommodation
type Tour struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	Name          string      `json:"name" db:"name"`
	PricePerNight int64       `json:"price_per_night" db:"price_per_night"` // minor currency units
	Currency      string      `json:"currency" db:"currency"`
	PricingUnit   PricingUnit `json:"pricing_unit" db:"pricing_unit"`
	Capacity      int         `json:"capacity" db:"capacity"` // guests per night
	Active        bool        `json:"active" db:"active"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// PriceFor computes the booking amount for a stay. The caller never supplies an amount.
func (t *Tour) PriceFor(stay DateRange, guests int) int64 {
	amount := t.PricePerNight * int64(stay.Nights())
	if t.PricingUnit == PricingPerGuestNight {
		amount *= int64(guests)
	}
	return amount
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// CustomerInfo is forwarded to the gateway with the order
type CustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// CreateBookingRequest is the body of POST /bookings
type CreateBookingRequest struct {
	TourID     string       `json:"tour_id" binding:"required"`
	StartDate  string       `json:"start_date" binding:"required"`
	EndDate    string       `json:"end_date" binding:"required"`
	GuestCount int          `json:"guest_count"`
	Customer   CustomerInfo `json:"customer"`
}

// BookingResponse is returned by the client-facing booking endpoints
type BookingResponse struct {
	Booking     *Booking        `json:"booking"`
	Payment     *AttemptSummary `json:"payment,omitempty"`
	RedirectURL string          `json:"redirect_url,omitempty"`
}

// AttemptSummary is the client-safe view of a payment attempt
type AttemptSummary struct {
	Reference      string       `json:"reference"`
	State          AttemptState `json:"state"`
	LastObservedAt *time.Time   `json:"last_observed_at,omitempty"`
}
