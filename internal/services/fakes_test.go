package services

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/events"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/pkg/gateway"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ============================================================================
// IN-MEMORY LEDGER
// ============================================================================

// memLedger mirrors the conditional-update semantics of database.LedgerRepository
type memLedger struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]models.Booking
	attempts map[string]models.PaymentAttempt
	audits   []models.PaymentAudit

	applied       int
	now           func() time.Time // stands in for NOW() on updated_at; defaults to time.Now
	createErrs    []error // returned, in order, by CreateBookingWithAttempt before storing
	getAttemptErr error
}

func newMemLedger() *memLedger {
	return &memLedger{
		bookings: make(map[uuid.UUID]models.Booking),
		attempts: make(map[string]models.PaymentAttempt),
	}
}

func (l *memLedger) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *memLedger) appendAudit(audit *models.PaymentAudit) {
	if audit != nil {
		l.audits = append(l.audits, *audit)
	}
}

func (l *memLedger) referenceTaken(ref string) bool {
	if _, ok := l.attempts[ref]; ok {
		return true
	}
	for _, b := range l.bookings {
		if b.PaymentReference == ref {
			return true
		}
	}
	return false
}

func (l *memLedger) hasOpenAttempt(bookingID uuid.UUID) bool {
	for _, a := range l.attempts {
		if a.BookingID == bookingID && !a.State.IsTerminal() {
			return true
		}
	}
	return false
}

func (l *memLedger) CreateBookingWithAttempt(_ context.Context, booking *models.Booking, attempt *models.PaymentAttempt, audit *models.PaymentAudit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.createErrs) > 0 {
		err := l.createErrs[0]
		l.createErrs = l.createErrs[1:]
		return err
	}
	if l.referenceTaken(attempt.Reference) {
		return models.ErrDuplicateReference
	}
	l.bookings[booking.ID] = *booking
	l.attempts[attempt.Reference] = *attempt
	l.appendAudit(audit)
	return nil
}

func (l *memLedger) OpenRetryAttempt(_ context.Context, bookingID uuid.UUID, previousRef string, attempt *models.PaymentAttempt, audit *models.PaymentAudit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bookings[bookingID]
	if !ok || b.PaymentReference != previousRef || b.Status == models.BookingStatusCancelled || b.PaymentStatus != models.PaymentStatusPending {
		return models.ErrInvalidTransition
	}
	if l.referenceTaken(attempt.Reference) {
		return models.ErrDuplicateReference
	}
	if l.hasOpenAttempt(bookingID) {
		return models.ErrInvalidTransition
	}
	b.PaymentReference = attempt.Reference
	l.bookings[bookingID] = b
	l.attempts[attempt.Reference] = *attempt
	l.appendAudit(audit)
	return nil
}

func (l *memLedger) GetBooking(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (l *memLedger) GetAttempt(_ context.Context, reference string) (*models.PaymentAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getAttemptErr != nil {
		return nil, l.getAttemptErr
	}
	a, ok := l.attempts[reference]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (l *memLedger) ListStaleAttempts(_ context.Context, before time.Time, limit int) ([]*models.PaymentAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.PaymentAttempt
	for _, a := range l.attempts {
		if !a.State.IsTerminal() && a.UpdatedAt.Before(before) && len(out) < limit {
			a := a
			out = append(out, &a)
		}
	}
	return out, nil
}

func (l *memLedger) MarkAwaitingGateway(_ context.Context, reference, externalOrderID string) (models.AttemptState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[reference]
	if !ok {
		return "", models.ErrUnknownReference
	}
	if a.State == models.AttemptStateCreated {
		a.State = models.AttemptStateAwaitingGateway
	}
	if !a.ExternalOrderID.Valid {
		a.ExternalOrderID.String, a.ExternalOrderID.Valid = externalOrderID, true
	}
	l.attempts[reference] = a
	return a.State, nil
}

func (l *memLedger) MarkInitFailed(_ context.Context, reference, lastError string, audit *models.PaymentAudit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendAudit(audit)
	a, ok := l.attempts[reference]
	if !ok || a.State != models.AttemptStateCreated {
		return false, nil
	}
	a.State = models.AttemptStateFailed
	a.LastError.String, a.LastError.Valid = lastError, true
	a.UpdatedAt = l.clock()
	l.attempts[reference] = a
	return true, nil
}

func (l *memLedger) observe(a *models.PaymentAttempt, obs models.Observation) {
	if obs.ExternalOrderID != "" && !a.ExternalOrderID.Valid {
		a.ExternalOrderID.String, a.ExternalOrderID.Valid = obs.ExternalOrderID, true
	}
	a.LastGatewayStatusCode.String, a.LastGatewayStatusCode.Valid = obs.StatusCode, obs.StatusCode != ""
	a.LastObservedAt.Time, a.LastObservedAt.Valid = obs.ObservedAt, true
	a.LastSignalSource.String, a.LastSignalSource.Valid = string(obs.Source), true
	a.UpdatedAt = l.clock()
}

func (l *memLedger) ApplyTransition(_ context.Context, reference string, tr models.Transition, obs models.Observation, audit *models.PaymentAudit) (*models.TransitionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[reference]
	if !ok {
		return nil, models.ErrUnknownReference
	}
	if a.State.IsTerminal() {
		return &models.TransitionResult{Applied: false, PreviousState: a.State, Attempt: &a}, nil
	}

	previous := a.State
	a.State = tr.To
	l.observe(&a, obs)
	l.attempts[reference] = a

	b := l.bookings[a.BookingID]
	if b.PaymentStatus == models.PaymentStatusPending {
		b.PaymentStatus = tr.PaymentStatus
	}
	if b.Status == models.BookingStatusPending {
		b.Status = tr.BookingStatus
	}
	l.bookings[a.BookingID] = b

	l.appendAudit(audit)
	l.applied++
	return &models.TransitionResult{Applied: true, PreviousState: previous, Attempt: &a, Booking: &b}, nil
}

func (l *memLedger) RecordObservation(_ context.Context, reference string, obs models.Observation, audit *models.PaymentAudit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[reference]
	if !ok || a.State.IsTerminal() {
		return false, nil
	}
	l.observe(&a, obs)
	l.attempts[reference] = a
	l.appendAudit(audit)
	return true, nil
}

func (l *memLedger) RecordQueryFailure(_ context.Context, reference, lastError string, audit *models.PaymentAudit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendAudit(audit)
	a, ok := l.attempts[reference]
	if !ok || a.State.IsTerminal() {
		return false, nil
	}
	a.LastError.String, a.LastError.Valid = lastError, true
	a.UpdatedAt = l.clock()
	l.attempts[reference] = a
	return true, nil
}

func (l *memLedger) CancelUnpaidBooking(_ context.Context, bookingID uuid.UUID, audit *models.PaymentAudit) (*models.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[bookingID]
	if !ok || b.Status != models.BookingStatusPending || l.hasOpenAttempt(bookingID) {
		return nil, models.ErrInvalidTransition
	}
	b.Status = models.BookingStatusCancelled
	if b.PaymentStatus == models.PaymentStatusPending {
		b.PaymentStatus = models.PaymentStatusFailed
	}
	l.bookings[bookingID] = b
	l.appendAudit(audit)
	return &b, nil
}

// Log implements AuditLogger on the same audit trail
func (l *memLedger) Log(_ context.Context, audit *models.PaymentAudit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendAudit(audit)
	return nil
}

func (l *memLedger) auditsOf(eventType models.PaymentEventType) []models.PaymentAudit {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.PaymentAudit
	for _, a := range l.audits {
		if a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out
}

func (l *memLedger) appliedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}

// seed stores a booking with one attempt in the given state
func (l *memLedger) seed(state models.AttemptState) (*models.Booking, *models.PaymentAttempt) {
	booking := &models.Booking{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		TourID:           uuid.New(),
		StartDate:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC),
		GuestCount:       2,
		Amount:           2000,
		Currency:         "USD",
		Status:           models.BookingStatusPending,
		PaymentStatus:    models.PaymentStatusPending,
		PaymentReference: "BOOKING-" + uuid.NewString()[:8] + "-0011aabb",
	}
	attempt := models.NewPaymentAttempt(booking)
	attempt.State = state
	if state != models.AttemptStateCreated {
		attempt.ExternalOrderID.String, attempt.ExternalOrderID.Valid = "ORD-"+booking.PaymentReference, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bookings[booking.ID] = *booking
	l.attempts[attempt.Reference] = *attempt
	return booking, attempt
}

// ============================================================================
// CATALOG / GATEWAY / PUBLISHER FAKES
// ============================================================================

type memCatalog struct {
	tours       map[uuid.UUID]*models.Tour
	unavailable bool
	checks      int
}

func newMemCatalog(tours ...*models.Tour) *memCatalog {
	c := &memCatalog{tours: make(map[uuid.UUID]*models.Tour)}
	for _, t := range tours {
		c.tours[t.ID] = t
	}
	return c
}

func (c *memCatalog) GetTour(_ context.Context, id uuid.UUID) (*models.Tour, error) {
	return c.tours[id], nil
}

func (c *memCatalog) IsAvailable(_ context.Context, _ *models.Tour, _ models.DateRange, _ int) (bool, error) {
	c.checks++
	return !c.unavailable, nil
}

type fakeGateway struct {
	createCalls atomic.Int32
	queryCalls  atomic.Int32

	createOrder func(req gateway.OrderRequest) (*gateway.Order, error)
	queryStatus func(q gateway.StatusQuery) (*gateway.StatusResult, error)
}

func (g *fakeGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	g.createCalls.Add(1)
	if g.createOrder != nil {
		return g.createOrder(req)
	}
	return &gateway.Order{
		ExternalOrderID: "ORD-" + req.Reference,
		RedirectURL:     "https://pay.example.com/checkout/" + req.Reference,
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, q gateway.StatusQuery) (*gateway.StatusResult, error) {
	g.queryCalls.Add(1)
	if g.queryStatus != nil {
		return g.queryStatus(q)
	}
	return &gateway.StatusResult{Status: gateway.StatusUnknown, ProviderCode: "0"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.BookingOutcomeEvent
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, event events.BookingOutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingStarter struct {
	mu   sync.Mutex
	refs []string
}

func (s *recordingStarter) Start(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, reference)
	return true
}
