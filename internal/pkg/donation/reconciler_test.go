package donation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkindness/givecore/app/models"
	"github.com/openkindness/givecore/internal/pkg/gateway"
	"github.com/openkindness/givecore/internal/pkg/ledger"
	"github.com/openkindness/givecore/internal/pkg/receipt"
)

type fakeReceipts struct {
	generated []uint
	err       error
}

func (f *fakeReceipts) Generate(_ context.Context, attemptID uint) (*models.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.generated = append(f.generated, attemptID)
	return &models.Receipt{ChargeAttemptID: attemptID, Artifact: "s3://receipts/stub"}, nil
}

func newTestReconciler(t *testing.T) (*Reconciler, ledger.Repository, *fakeReceipts) {
	t.Helper()
	repo := newTestRepo(t)
	receipts := &fakeReceipts{}
	return NewReconciler(repo, receipts, DefaultRetryPolicy()), repo, receipts
}

func seedAttempt(t *testing.T, repo ledger.Repository, d *models.Donation, cycle, retry int, status string) *models.ChargeAttempt {
	t.Helper()
	a := &models.ChargeAttempt{
		UUID:             uuid.NewString(),
		DonationID:       d.ID,
		GatewayReference: newGatewayReference(d.DonationCode, cycle, retry),
		Cycle:            cycle,
		Retry:            retry,
		Status:           status,
		Amount:           d.Amount,
		Currency:         d.Currency,
		OccurredAt:       time.Now(),
	}
	require.NoError(t, repo.CreateChargeAttempt(context.Background(), a))
	return a
}

func settleEvent(ref string, at time.Time) Event {
	return Event{
		Provider:         "freedompay",
		GatewayReference: ref,
		Outcome:          gateway.OutcomeSettled,
		OccurredAt:       at,
		PayloadJSON:      "{}",
		SignatureValid:   true,
	}
}

func TestHandleSettledEvent(t *testing.T) {
	r, repo, receipts := newTestReconciler(t)
	ctx := context.Background()

	settledAt := time.Date(2026, time.February, 15, 10, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return settledAt })

	d := seedDonation(t, repo, models.SubscriptionActive)
	require.NoError(t, repo.UpdateDonationGuarded(ctx, d, map[string]interface{}{
		"schedule_anchor_at": nil,
		"donation_status":    models.DonationPending,
	}))
	attempt := seedAttempt(t, repo, d, 1, 0, models.AttemptInitiated)

	require.NoError(t, r.HandleWebhookEvent(ctx, settleEvent(attempt.GatewayReference, settledAt)))

	got, err := repo.GetChargeAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSettled, got.Status)
	require.NotNil(t, got.SettledAt)

	reloaded, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationCompleted, reloaded.DonationStatus)
	require.NotNil(t, reloaded.FirstChargedAt)
	require.NotNil(t, reloaded.ScheduleAnchorAt)
	require.NotNil(t, reloaded.NextChargeAt)
	assert.Equal(t, time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC), reloaded.NextChargeAt.UTC())

	assert.Equal(t, []uint{attempt.ID}, receipts.generated)
}

func TestHandleSettledEventDuplicate(t *testing.T) {
	r, repo, receipts := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionActive)
	attempt := seedAttempt(t, repo, d, 1, 0, models.AttemptInitiated)

	ev := settleEvent(attempt.GatewayReference, time.Now())
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))

	// Applied exactly once.
	assert.Equal(t, []uint{attempt.ID}, receipts.generated)
}

func TestHandleFailedEventSchedulesRetry(t *testing.T) {
	r, repo, _ := newTestReconciler(t)
	ctx := context.Background()

	now := time.Date(2026, time.February, 15, 10, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return now })

	d := seedDonation(t, repo, models.SubscriptionActive)
	attempt := seedAttempt(t, repo, d, 2, 0, models.AttemptInitiated)

	ev := Event{
		Provider:         "freedompay",
		GatewayReference: attempt.GatewayReference,
		Outcome:          gateway.OutcomeFailed,
		OccurredAt:       now,
		FailureCode:      "100",
		FailureMessage:   "insufficient funds",
		PayloadJSON:      "{}",
		SignatureValid:   true,
	}
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))

	got, err := repo.GetChargeAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, got.Status)
	assert.Equal(t, "100", got.FailureCode)

	reloaded, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationFailed, reloaded.DonationStatus)
	assert.Equal(t, models.SubscriptionActive, reloaded.SubscriptionStatus)
	require.NotNil(t, reloaded.NextChargeAt)
	assert.Equal(t, now.Add(72*time.Hour), reloaded.NextChargeAt.UTC())
}

func TestHandleFailedEventExhaustsRetries(t *testing.T) {
	r, repo, _ := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionActive)
	// Third attempt of the cycle (retry 2) failing takes the subscription down.
	attempt := seedAttempt(t, repo, d, 2, 2, models.AttemptInitiated)

	ev := Event{
		Provider:         "freedompay",
		GatewayReference: attempt.GatewayReference,
		Outcome:          gateway.OutcomeFailed,
		OccurredAt:       time.Now(),
		FailureMessage:   "card expired",
		PayloadJSON:      "{}",
		SignatureValid:   true,
	}
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))

	reloaded, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionFailed, reloaded.SubscriptionStatus)
	assert.Equal(t, models.DonationFailed, reloaded.DonationStatus)
	assert.Nil(t, reloaded.NextChargeAt)
	assert.Contains(t, reloaded.StatusReason, "card expired")
}

func TestHandleEventUnknownAttempt(t *testing.T) {
	r, _, receipts := newTestReconciler(t)
	ctx := context.Background()

	err := r.HandleWebhookEvent(ctx, settleEvent("NOPE-C1-R0", time.Now()))
	assert.ErrorIs(t, err, ErrUnknownAttempt)

	// Redelivery is answered as a duplicate, not retried forever.
	err = r.HandleWebhookEvent(ctx, settleEvent("NOPE-C1-R0", time.Now()))
	assert.NoError(t, err)
	assert.Empty(t, receipts.generated)
}

func TestHandleEventTerminalAttemptDropped(t *testing.T) {
	r, repo, _ := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionActive)
	attempt := seedAttempt(t, repo, d, 1, 0, models.AttemptFailed)

	// A late conflicting settle for an already failed attempt changes nothing.
	require.NoError(t, r.HandleWebhookEvent(ctx, settleEvent(attempt.GatewayReference, time.Now())))

	got, err := repo.GetChargeAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, got.Status)
}

func TestHandleEventCancelledDonationStillSettles(t *testing.T) {
	r, repo, receipts := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionCancelled)
	attempt := seedAttempt(t, repo, d, 3, 0, models.AttemptInitiated)

	require.NoError(t, r.HandleWebhookEvent(ctx, settleEvent(attempt.GatewayReference, time.Now())))

	// The in-flight charge settles and gets its receipt, but the cancelled
	// subscription is not resurrected and nothing new is scheduled.
	reloaded, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, reloaded.SubscriptionStatus)
	assert.Equal(t, models.DonationCompleted, reloaded.DonationStatus)
	assert.Nil(t, reloaded.NextChargeAt)
	assert.Equal(t, []uint{attempt.ID}, receipts.generated)
}

func TestHandleEventPendingOutcome(t *testing.T) {
	r, repo, receipts := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionActive)
	attempt := seedAttempt(t, repo, d, 1, 0, models.AttemptInitiated)

	ev := settleEvent(attempt.GatewayReference, time.Now())
	ev.Outcome = gateway.OutcomePending

	require.NoError(t, r.HandleWebhookEvent(ctx, ev))

	got, err := repo.GetChargeAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptInitiated, got.Status)
	assert.Empty(t, receipts.generated)
}

func TestHandleSettledEventAfterPendingCallback(t *testing.T) {
	r, repo, receipts := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionActive)
	attempt := seedAttempt(t, repo, d, 1, 0, models.AttemptInitiated)

	// Gateways report intermediate states for the same order before the
	// final outcome; the pending callback must not consume the dedup key.
	pending := settleEvent(attempt.GatewayReference, time.Now())
	pending.Outcome = gateway.OutcomePending
	require.NoError(t, r.HandleWebhookEvent(ctx, pending))

	settledAt := time.Now()
	require.NoError(t, r.HandleWebhookEvent(ctx, settleEvent(attempt.GatewayReference, settledAt)))

	got, err := repo.GetChargeAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSettled, got.Status)
	require.Len(t, receipts.generated, 1)
	assert.Equal(t, attempt.ID, receipts.generated[0])

	updated, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DonationCompleted, updated.DonationStatus)
}

func TestHandleEventReceiptFailureRetried(t *testing.T) {
	r, repo, receipts := newTestReconciler(t)
	ctx := context.Background()

	d := seedDonation(t, repo, models.SubscriptionActive)
	attempt := seedAttempt(t, repo, d, 1, 0, models.AttemptInitiated)

	ev := settleEvent(attempt.GatewayReference, time.Now())

	// Upload fails: the event must stay unprocessed so redelivery retries it.
	receipts.err = errors.New("s3 unavailable")
	require.Error(t, r.HandleWebhookEvent(ctx, ev))

	receipts.err = nil
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))
	assert.Equal(t, []uint{attempt.ID}, receipts.generated)

	// Already-existing receipts on later redeliveries stay quiet.
	receipts.err = receipt.ErrAlreadyExists
	require.NoError(t, r.HandleWebhookEvent(ctx, ev))
}
