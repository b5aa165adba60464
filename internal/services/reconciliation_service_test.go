package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/pkg/gateway"
)

const (
	testMerchantKey   = "MERCHANT-01"
	testWebhookSecret = "whsec_test"
)

type reconcileFixture struct {
	ledger    *memLedger
	gateway   *fakeGateway
	publisher *recordingPublisher
	signer    *gateway.Signer
	service   *ReconciliationService
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	f := &reconcileFixture{
		ledger:    newMemLedger(),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		signer:    gateway.NewSigner(testMerchantKey, testWebhookSecret),
	}
	f.service = NewReconciliationService(f.ledger, f.ledger, f.gateway, f.signer, f.publisher, DefaultReconciliationConfig(), testLogger())
	return f
}

func (f *reconcileFixture) callback(ref, code string) (CallbackPayload, string) {
	payload := CallbackPayload{
		Reference:          ref,
		ExternalOrderID:    "ORD-" + ref,
		ProviderStatusCode: gateway.ProviderCode(code),
	}
	return payload, f.signer.Sign(ref, payload.ExternalOrderID, code)
}

func (f *reconcileFixture) state(t *testing.T, ref string) (*models.Booking, *models.PaymentAttempt) {
	t.Helper()
	ctx := context.Background()
	attempt, err := f.ledger.GetAttempt(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	booking, err := f.ledger.GetBooking(ctx, attempt.BookingID)
	require.NoError(t, err)
	require.NotNil(t, booking)
	return booking, attempt
}

func TestReconcile_SettledWebhookConfirmsBooking(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)

	payload, sig := f.callback(attempt.Reference, "1")
	result, err := f.service.HandleCallback(context.Background(), payload, sig, models.SourceWebhook, SignalMeta{IPAddress: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)

	booking, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.BookingStatusConfirmed, booking.Status)
	assert.Equal(t, models.PaymentStatusPaid, booking.PaymentStatus)
	assert.Equal(t, models.AttemptStateSettled, stored.State)
	assert.Equal(t, "1", stored.LastGatewayStatusCode.String)
	assert.Equal(t, string(models.SourceWebhook), stored.LastSignalSource.String)
	assert.True(t, stored.LastObservedAt.Valid)

	require.Equal(t, 1, f.publisher.count())
	assert.Equal(t, "booking.confirmed", f.publisher.events[0].Type)
	assert.Equal(t, attempt.Reference, f.publisher.events[0].PaymentReference)
}

func TestReconcile_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	ctx := context.Background()

	payload, sig := f.callback(attempt.Reference, "1")
	first, err := f.service.HandleCallback(ctx, payload, sig, models.SourceWebhook, SignalMeta{})
	require.NoError(t, err)
	require.True(t, first.Applied)
	bookingAfterFirst, attemptAfterFirst := f.state(t, attempt.Reference)

	second, err := f.service.HandleCallback(ctx, payload, sig, models.SourceWebhook, SignalMeta{})
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.True(t, second.Duplicate)

	bookingAfterSecond, attemptAfterSecond := f.state(t, attempt.Reference)
	assert.Equal(t, bookingAfterFirst, bookingAfterSecond)
	assert.Equal(t, attemptAfterFirst, attemptAfterSecond)

	assert.Equal(t, 1, f.ledger.appliedCount())
	assert.Len(t, f.ledger.auditsOf(models.PaymentEventSuccess), 1)
	skipped := f.ledger.auditsOf(models.PaymentEventSignalIgnored)
	require.Len(t, skipped, 1)
	assert.True(t, skipped[0].IsDuplicate)
	assert.Empty(t, f.ledger.auditsOf(models.PaymentEventReconciliationMismatch))
	assert.Equal(t, 1, f.publisher.count())
}

func TestReconcile_Idempotence(t *testing.T) {
	for _, status := range []gateway.Status{gateway.StatusSettled, gateway.StatusFailed, gateway.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			once := newReconcileFixture(t)
			_, a1 := once.ledger.seed(models.AttemptStateAwaitingGateway)
			_, err := once.service.Reconcile(context.Background(), Signal{Reference: a1.Reference, Status: status, Source: models.SourceWebhook})
			require.NoError(t, err)
			wantBooking, wantAttempt := once.state(t, a1.Reference)

			many := newReconcileFixture(t)
			_, a2 := many.ledger.seed(models.AttemptStateAwaitingGateway)
			for i := 0; i < 5; i++ {
				_, err := many.service.Reconcile(context.Background(), Signal{Reference: a2.Reference, Status: status, Source: models.SourceWebhook})
				require.NoError(t, err)
			}
			gotBooking, gotAttempt := many.state(t, a2.Reference)

			assert.Equal(t, wantBooking.Status, gotBooking.Status)
			assert.Equal(t, wantBooking.PaymentStatus, gotBooking.PaymentStatus)
			assert.Equal(t, wantAttempt.State, gotAttempt.State)
			assert.Equal(t, 1, many.ledger.appliedCount())
		})
	}
}

func TestReconcile_FailedAndCancelledMapping(t *testing.T) {
	tests := []struct {
		code string
	}{
		{code: "-2"},
		{code: "-1"},
		{code: "DECLINED"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := newReconcileFixture(t)
			_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)

			result, err := f.service.Reconcile(context.Background(), Signal{Reference: attempt.Reference, ProviderCode: tt.code, Source: models.SourceRedirect})
			require.NoError(t, err)
			assert.True(t, result.Applied)

			booking, stored := f.state(t, attempt.Reference)
			assert.Equal(t, models.AttemptStateFailed, stored.State)
			assert.Equal(t, models.BookingStatusCancelled, booking.Status)
			assert.Equal(t, models.PaymentStatusFailed, booking.PaymentStatus)
			assert.Equal(t, "booking.cancelled", f.publisher.events[0].Type)
		})
	}
}

func TestReconcile_TerminalStatesAreSticky(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	ctx := context.Background()

	_, err := f.service.Reconcile(ctx, Signal{Reference: attempt.Reference, Status: gateway.StatusSettled, Source: models.SourceWebhook})
	require.NoError(t, err)

	result, err := f.service.Reconcile(ctx, Signal{Reference: attempt.Reference, Status: gateway.StatusFailed, Source: models.SourceManualQuery})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	booking, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.BookingStatusConfirmed, booking.Status)
	assert.Equal(t, models.PaymentStatusPaid, booking.PaymentStatus)
	assert.Equal(t, models.AttemptStateSettled, stored.State)

	mismatches := f.ledger.auditsOf(models.PaymentEventReconciliationMismatch)
	require.Len(t, mismatches, 1)
	assert.Equal(t, models.SourceManualQuery, mismatches[0].EventSource)
	require.NotNil(t, mismatches[0].ErrorMessage)
	assert.Contains(t, *mismatches[0].ErrorMessage, "SETTLED")
}

func TestReconcile_ConcurrentConflictingSignals(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newReconcileFixture(t)
		_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)

		var wg sync.WaitGroup
		results := make([]*ReconcileResult, 16)
		errs := make([]error, 16)
		start := make(chan struct{})
		for i := range results {
			status := gateway.StatusSettled
			if i%2 == 1 {
				status = gateway.StatusFailed
			}
			wg.Add(1)
			go func(i int, status gateway.Status) {
				defer wg.Done()
				<-start
				results[i], errs[i] = f.service.Reconcile(context.Background(), Signal{Reference: attempt.Reference, Status: status, Source: models.SourceWebhook})
			}(i, status)
		}
		close(start)
		wg.Wait()

		applied := 0
		for i := range results {
			require.NoError(t, errs[i])
			if results[i].Applied {
				applied++
			}
		}
		require.Equal(t, 1, applied)
		require.Equal(t, 1, f.ledger.appliedCount())

		booking, stored := f.state(t, attempt.Reference)
		switch stored.State {
		case models.AttemptStateSettled:
			assert.Equal(t, models.BookingStatusConfirmed, booking.Status)
			assert.Equal(t, models.PaymentStatusPaid, booking.PaymentStatus)
		case models.AttemptStateFailed:
			assert.Equal(t, models.BookingStatusCancelled, booking.Status)
			assert.Equal(t, models.PaymentStatusFailed, booking.PaymentStatus)
		default:
			t.Fatalf("attempt left non-terminal: %s", stored.State)
		}
	}
}

func TestReconcile_UnknownReference(t *testing.T) {
	f := newReconcileFixture(t)

	_, err := f.service.Reconcile(context.Background(), Signal{Reference: "BOOKING-missing", Status: gateway.StatusSettled, Source: models.SourceWebhook})
	assert.ErrorIs(t, err, models.ErrUnknownReference)
	assert.False(t, models.IsRetriable(err))

	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	assert.Empty(t, f.ledger.bookings)
	assert.Empty(t, f.ledger.attempts)
}

func TestReconcile_NonTerminalStatusOnlyRecordsObservation(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)

	result, err := f.service.Reconcile(context.Background(), Signal{Reference: attempt.Reference, ProviderCode: "0", Source: models.SourceWebhook})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.False(t, result.Duplicate)

	booking, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.AttemptStateAwaitingGateway, stored.State)
	assert.Equal(t, models.BookingStatusPending, booking.Status)
	assert.Equal(t, "0", stored.LastGatewayStatusCode.String)
	assert.Len(t, f.ledger.auditsOf(models.PaymentEventWebhookReceived), 1)
	assert.Zero(t, f.publisher.count())
}

func TestReconcile_TransientStoreErrorIsRetriable(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	f.ledger.getAttemptErr = &models.TransientStoreError{Op: "get payment attempt", Err: errors.New("connection reset")}

	_, err := f.service.Reconcile(context.Background(), Signal{Reference: attempt.Reference, Status: gateway.StatusSettled, Source: models.SourceWebhook})
	require.Error(t, err)
	assert.True(t, models.IsRetriable(err))
}

func TestHandleCallback_Validation(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	ctx := context.Background()

	t.Run("missing reference", func(t *testing.T) {
		_, err := f.service.HandleCallback(ctx, CallbackPayload{ProviderStatusCode: "1"}, "sig", models.SourceWebhook, SignalMeta{})
		var vErr *models.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "reference", vErr.Field)
	})

	t.Run("missing status code", func(t *testing.T) {
		_, err := f.service.HandleCallback(ctx, CallbackPayload{Reference: attempt.Reference}, "sig", models.SourceWebhook, SignalMeta{})
		var vErr *models.ValidationError
		require.ErrorAs(t, err, &vErr)
	})

	t.Run("bad signature", func(t *testing.T) {
		payload, _ := f.callback(attempt.Reference, "1")
		_, err := f.service.HandleCallback(ctx, payload, "DEADBEEF", models.SourceWebhook, SignalMeta{RawBody: `{"reference":"x"}`})
		assert.ErrorIs(t, err, models.ErrInvalidSignature)

		booking, stored := f.state(t, attempt.Reference)
		assert.Equal(t, models.AttemptStateAwaitingGateway, stored.State)
		assert.Equal(t, models.BookingStatusPending, booking.Status)

		errAudits := f.ledger.auditsOf(models.PaymentEventError)
		require.NotEmpty(t, errAudits)
		require.NotNil(t, errAudits[len(errAudits)-1].RawBody)
	})

	t.Run("tampered status", func(t *testing.T) {
		payload, sig := f.callback(attempt.Reference, "-2")
		payload.ProviderStatusCode = "1"
		_, err := f.service.HandleCallback(ctx, payload, sig, models.SourceRedirect, SignalMeta{})
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})
}

func TestQueryAndReconcile_WindowClosedThenLateWebhook(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	ctx := context.Background()

	f.gateway.queryStatus = func(q gateway.StatusQuery) (*gateway.StatusResult, error) {
		assert.Equal(t, attempt.Reference, q.Reference)
		assert.Equal(t, attempt.ExternalOrderID.String, q.ExternalOrderID)
		return &gateway.StatusResult{Status: gateway.StatusFailed, ProviderCode: "-2", ExternalOrderID: q.ExternalOrderID}, nil
	}

	result, err := f.service.QueryAndReconcile(ctx, attempt.Reference, models.SourceManualQuery)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	booking, _ := f.state(t, attempt.Reference)
	assert.Equal(t, models.BookingStatusCancelled, booking.Status)
	assert.Equal(t, models.PaymentStatusFailed, booking.PaymentStatus)

	payload, sig := f.callback(attempt.Reference, "1")
	late, err := f.service.HandleCallback(ctx, payload, sig, models.SourceWebhook, SignalMeta{})
	require.NoError(t, err)
	assert.True(t, late.Duplicate)

	booking, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.BookingStatusCancelled, booking.Status)
	assert.Equal(t, models.PaymentStatusFailed, booking.PaymentStatus)
	assert.Equal(t, models.AttemptStateFailed, stored.State)
	assert.Len(t, f.ledger.auditsOf(models.PaymentEventReconciliationMismatch), 1)
}

func TestQueryAndReconcile_TerminalSkipsGateway(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateSettled)

	result, err := f.service.QueryAndReconcile(context.Background(), attempt.Reference, models.SourceOperator)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Zero(t, f.gateway.queryCalls.Load())
}

func TestQueryAndReconcile_GatewayError(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	f.gateway.queryStatus = func(gateway.StatusQuery) (*gateway.StatusResult, error) {
		return nil, &gateway.APIError{Op: "query status", StatusCode: 503}
	}

	_, err := f.service.QueryAndReconcile(context.Background(), attempt.Reference, models.SourceManualQuery)
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)

	var apiErr *gateway.APIError
	assert.ErrorAs(t, err, &apiErr)

	_, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.AttemptStateAwaitingGateway, stored.State)
	assert.Len(t, f.ledger.auditsOf(models.PaymentEventError), 1)
	require.True(t, stored.LastError.Valid)
	assert.Contains(t, stored.LastError.String, "503")
}

func TestQueryAndReconcile_AmountMismatchIsAudited(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)
	f.gateway.queryStatus = func(gateway.StatusQuery) (*gateway.StatusResult, error) {
		return &gateway.StatusResult{Status: gateway.StatusSettled, ProviderCode: "1", Amount: 1500}, nil
	}

	_, err := f.service.QueryAndReconcile(context.Background(), attempt.Reference, models.SourceManualQuery)
	require.NoError(t, err)

	success := f.ledger.auditsOf(models.PaymentEventSuccess)
	require.Len(t, success, 1)
	require.NotNil(t, success[0].AmountsMatch)
	assert.False(t, *success[0].AmountsMatch)
	assert.Equal(t, int64(2000), *success[0].ExpectedAmount)
	assert.Equal(t, int64(1500), *success[0].ReceivedAmount)
}

func TestSweepStaleAttempts(t *testing.T) {
	f := newReconcileFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.service.config.Now = func() time.Time { return now }
	f.service.config.SweepStaleAfter = 20 * time.Minute

	_, settled := f.ledger.seed(models.AttemptStateAwaitingGateway)
	_, pending := f.ledger.seed(models.AttemptStateAwaitingGateway)
	_, broken := f.ledger.seed(models.AttemptStateAwaitingGateway)
	_, fresh := f.ledger.seed(models.AttemptStateAwaitingGateway)

	f.ledger.mu.Lock()
	for _, ref := range []string{settled.Reference, pending.Reference, broken.Reference} {
		a := f.ledger.attempts[ref]
		a.UpdatedAt = now.Add(-time.Hour)
		f.ledger.attempts[ref] = a
	}
	a := f.ledger.attempts[fresh.Reference]
	a.UpdatedAt = now.Add(-time.Minute)
	f.ledger.attempts[fresh.Reference] = a
	f.ledger.mu.Unlock()

	f.gateway.queryStatus = func(q gateway.StatusQuery) (*gateway.StatusResult, error) {
		switch q.Reference {
		case settled.Reference:
			return &gateway.StatusResult{Status: gateway.StatusSettled, ProviderCode: "1"}, nil
		case broken.Reference:
			return nil, errors.New("connection refused")
		default:
			return &gateway.StatusResult{Status: gateway.StatusUnknown, ProviderCode: "0"}, nil
		}
	}

	report, err := f.service.SweepStaleAttempts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Failed)

	_, stored := f.state(t, settled.Reference)
	assert.Equal(t, models.AttemptStateSettled, stored.State)
	assert.Equal(t, string(models.SourceSweep), stored.LastSignalSource.String)

	_, untouched := f.state(t, fresh.Reference)
	assert.Equal(t, models.AttemptStateAwaitingGateway, untouched.State)
}

func TestQueryAndReconcile_OrphanedCreatedAttemptIsFailed(t *testing.T) {
	f := newReconcileFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.service.config.Now = func() time.Time { return now }
	f.ledger.now = func() time.Time { return now }

	booking, orphan := f.ledger.seed(models.AttemptStateCreated)
	f.ledger.mu.Lock()
	a := f.ledger.attempts[orphan.Reference]
	a.UpdatedAt = now.Add(-time.Hour)
	f.ledger.attempts[orphan.Reference] = a
	f.ledger.mu.Unlock()

	f.gateway.queryStatus = func(gateway.StatusQuery) (*gateway.StatusResult, error) {
		return nil, &gateway.APIError{Op: "query status", StatusCode: 404, Body: "order not found"}
	}

	report, err := f.service.SweepStaleAttempts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SweepReport{Checked: 1, Applied: 1}, report)

	stored, storedAttempt := f.state(t, orphan.Reference)
	assert.Equal(t, models.AttemptStateFailed, storedAttempt.State)
	require.True(t, storedAttempt.LastError.Valid)
	assert.Contains(t, storedAttempt.LastError.String, "404")
	assert.Len(t, f.ledger.auditsOf(models.PaymentEventInitFailed), 1)

	// the booking stays open for a payment retry
	assert.Equal(t, booking.ID, stored.ID)
	assert.Equal(t, models.BookingStatusPending, stored.Status)
	assert.Equal(t, models.PaymentStatusPending, stored.PaymentStatus)

	for i := 0; i < 2; i++ {
		report, err = f.service.SweepStaleAttempts(context.Background())
		require.NoError(t, err)
		assert.Zero(t, report.Checked)
	}
	assert.Equal(t, int32(1), f.gateway.queryCalls.Load())
}

func TestQueryAndReconcile_FailedQueryMovesAttemptToBackOfSweep(t *testing.T) {
	f := newReconcileFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.service.config.Now = func() time.Time { return now }
	f.ledger.now = func() time.Time { return now }

	_, stuck := f.ledger.seed(models.AttemptStateAwaitingGateway)
	f.ledger.mu.Lock()
	a := f.ledger.attempts[stuck.Reference]
	a.UpdatedAt = now.Add(-time.Hour)
	f.ledger.attempts[stuck.Reference] = a
	f.ledger.mu.Unlock()

	f.gateway.queryStatus = func(gateway.StatusQuery) (*gateway.StatusResult, error) {
		return nil, errors.New("connection refused")
	}

	report, err := f.service.SweepStaleAttempts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	_, stored := f.state(t, stuck.Reference)
	assert.Equal(t, models.AttemptStateAwaitingGateway, stored.State)
	assert.Equal(t, now, stored.UpdatedAt)
	assert.Equal(t, "connection refused", stored.LastError.String)

	report, err = f.service.SweepStaleAttempts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestQueryAndReconcile_FreshCreatedAttemptIsNotFailed(t *testing.T) {
	f := newReconcileFixture(t)
	_, attempt := f.ledger.seed(models.AttemptStateCreated)
	f.gateway.queryStatus = func(gateway.StatusQuery) (*gateway.StatusResult, error) {
		return nil, &gateway.APIError{Op: "query status", StatusCode: 404}
	}

	_, err := f.service.QueryAndReconcile(context.Background(), attempt.Reference, models.SourceOperator)
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)

	_, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.AttemptStateCreated, stored.State)
	assert.True(t, stored.LastError.Valid)
	assert.Empty(t, f.ledger.auditsOf(models.PaymentEventInitFailed))
}

func TestCancelBooking_InFlightAttemptIsReconciled(t *testing.T) {
	f := newReconcileFixture(t)
	booking, attempt := f.ledger.seed(models.AttemptStateAwaitingGateway)

	result, err := f.service.CancelBooking(context.Background(), booking)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.BookingStatusCancelled, result.Booking.Status)
	assert.Equal(t, models.PaymentStatusFailed, result.Booking.PaymentStatus)

	_, stored := f.state(t, attempt.Reference)
	assert.Equal(t, models.AttemptStateFailed, stored.State)
	assert.Equal(t, string(models.SourceUserCancel), stored.LastSignalSource.String)

	require.Equal(t, 1, f.publisher.count())
	assert.Equal(t, "booking.cancelled", f.publisher.events[0].Type)
}

func TestCancelBooking_FailedAttemptPublishesOutcome(t *testing.T) {
	f := newReconcileFixture(t)
	booking, attempt := f.ledger.seed(models.AttemptStateFailed)

	result, err := f.service.CancelBooking(context.Background(), booking)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCancelled, result.Booking.Status)
	assert.Equal(t, models.PaymentStatusFailed, result.Booking.PaymentStatus)

	cancelled := f.ledger.auditsOf(models.PaymentEventCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, attempt.Reference, *cancelled[0].PaymentReference)
	assert.Equal(t, models.SourceUserCancel, cancelled[0].EventSource)

	require.Equal(t, 1, f.publisher.count())
	event := f.publisher.events[0]
	assert.Equal(t, "booking.cancelled", event.Type)
	assert.Equal(t, attempt.Reference, event.PaymentReference)
	assert.Equal(t, string(models.SourceUserCancel), event.Source)
}

func TestCancelBooking_SettledAttemptIsRejected(t *testing.T) {
	f := newReconcileFixture(t)
	booking, _ := f.ledger.seed(models.AttemptStateSettled)

	_, err := f.service.CancelBooking(context.Background(), booking)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Zero(t, f.publisher.count())

	stored, _ := f.ledger.GetBooking(context.Background(), booking.ID)
	assert.Equal(t, models.BookingStatusPending, stored.Status)
}
