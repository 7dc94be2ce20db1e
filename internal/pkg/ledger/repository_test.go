package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openkindness/givecore/app/models"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Donation{},
		&models.ChargeAttempt{},
		&models.Receipt{},
		&models.GatewayWebhookEvent{},
		&models.GatewayTask{},
	))
	return NewRepository(db)
}

func newTestDonation() *models.Donation {
	return &models.Donation{
		UUID:               uuid.NewString(),
		DonationCode:       models.GenerateDonationCode(),
		DonorReference:     "donor-1",
		Amount:             decimal.RequireFromString("500.00"),
		Currency:           "KGS",
		IsRecurring:        true,
		Schedule:           models.ScheduleMonthly,
		SubscriptionStatus: models.SubscriptionActive,
		DonationStatus:     models.DonationPending,
	}
}

func TestUpdateDonationGuarded(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDonation()
	require.NoError(t, repo.CreateDonation(ctx, d))

	err := repo.UpdateDonationGuarded(ctx, d, map[string]interface{}{
		"subscription_status": models.SubscriptionPaused,
	})
	require.NoError(t, err)
	assert.Equal(t, uint(1), d.LockVersion)

	reloaded, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPaused, reloaded.SubscriptionStatus)
	assert.Equal(t, uint(1), reloaded.LockVersion)
}

func TestUpdateDonationGuardedStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDonation()
	require.NoError(t, repo.CreateDonation(ctx, d))

	// A second loaded copy loses once the first one commits.
	stale, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateDonationGuarded(ctx, d, map[string]interface{}{
		"subscription_status": models.SubscriptionCancelled,
	}))

	err = repo.UpdateDonationGuarded(ctx, stale, map[string]interface{}{
		"subscription_status": models.SubscriptionPaused,
	})
	assert.ErrorIs(t, err, ErrStale)

	reloaded, err := repo.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, reloaded.SubscriptionStatus)
}

func TestCreateWebhookEventIfNotExists(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ev := &models.GatewayWebhookEvent{
		Provider:         "freedompay",
		GatewayReference: "ABC123-C1-R0",
		Outcome:          "settled",
		PayloadJSON:      "{}",
		SignatureValid:   true,
		OccurredAt:       time.Now(),
	}
	created, stored, err := repo.CreateWebhookEventIfNotExists(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, stored)

	dup := &models.GatewayWebhookEvent{
		Provider:         "freedompay",
		GatewayReference: "ABC123-C1-R0",
		Outcome:          "settled",
		PayloadJSON:      "{}",
		OccurredAt:       time.Now(),
	}
	created, again, err := repo.CreateWebhookEventIfNotExists(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, again.ID)

	// Same reference under another provider is a distinct event.
	other := &models.GatewayWebhookEvent{
		Provider:         "other",
		GatewayReference: "ABC123-C1-R0",
		Outcome:          "settled",
		PayloadJSON:      "{}",
		OccurredAt:       time.Now(),
	}
	created, _, err = repo.CreateWebhookEventIfNotExists(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateReceiptIfNotExists(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDonation()
	require.NoError(t, repo.CreateDonation(ctx, d))
	attempt := &models.ChargeAttempt{
		UUID:             uuid.NewString(),
		DonationID:       d.ID,
		GatewayReference: d.DonationCode + "-C1-R0",
		Cycle:            1,
		Status:           models.AttemptSettled,
		Amount:           d.Amount,
		Currency:         d.Currency,
		OccurredAt:       time.Now(),
	}
	require.NoError(t, repo.CreateChargeAttempt(ctx, attempt))

	first := &models.Receipt{
		UUID:            uuid.NewString(),
		ChargeAttemptID: attempt.ID,
		Artifact:        "s3://receipts/a.txt",
		IssuedAt:        time.Now(),
	}
	created, stored, err := repo.CreateReceiptIfNotExists(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := &models.Receipt{
		UUID:            uuid.NewString(),
		ChargeAttemptID: attempt.ID,
		Artifact:        "s3://receipts/b.txt",
		IssuedAt:        time.Now(),
	}
	created, again, err := repo.CreateReceiptIfNotExists(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, again.ID)
	assert.Equal(t, "s3://receipts/a.txt", again.Artifact)
}

func TestFinalizeChargeAttemptOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDonation()
	require.NoError(t, repo.CreateDonation(ctx, d))
	attempt := &models.ChargeAttempt{
		UUID:             uuid.NewString(),
		DonationID:       d.ID,
		GatewayReference: d.DonationCode + "-C1-R0",
		Cycle:            1,
		Status:           models.AttemptInitiated,
		Amount:           d.Amount,
		Currency:         d.Currency,
		OccurredAt:       time.Now(),
	}
	require.NoError(t, repo.CreateChargeAttempt(ctx, attempt))

	applied, err := repo.FinalizeChargeAttempt(ctx, attempt.ID, map[string]interface{}{
		"status": models.AttemptSettled,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Conflicting later outcome loses.
	applied, err = repo.FinalizeChargeAttempt(ctx, attempt.ID, map[string]interface{}{
		"status": models.AttemptFailed,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	reloaded, err := repo.GetChargeAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSettled, reloaded.Status)
}

func TestClaimDueGatewayTasks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDonation()
	require.NoError(t, repo.CreateDonation(ctx, d))

	due := &models.GatewayTask{
		Kind:              models.GatewayTaskCancelSchedule,
		DonationID:        d.ID,
		GatewayScheduleID: "sched-1",
		Status:            models.GatewayTaskPending,
		NextRunAt:         time.Now().Add(-time.Minute),
	}
	future := &models.GatewayTask{
		Kind:              models.GatewayTaskResumeSchedule,
		DonationID:        d.ID,
		GatewayScheduleID: "sched-1",
		Status:            models.GatewayTaskPending,
		NextRunAt:         time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.EnqueueGatewayTask(ctx, due))
	require.NoError(t, repo.EnqueueGatewayTask(ctx, future))

	claimed, err := repo.ClaimDueGatewayTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)

	// Claimed tasks are gone from the pending set.
	claimed, err = repo.ClaimDueGatewayTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReleaseGatewayTaskKeepsAttempts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	d := newTestDonation()
	require.NoError(t, repo.CreateDonation(ctx, d))

	task := &models.GatewayTask{
		Kind:              models.GatewayTaskCancelSchedule,
		DonationID:        d.ID,
		GatewayScheduleID: "sched-1",
		Status:            models.GatewayTaskPending,
		NextRunAt:         time.Now().Add(-time.Minute),
	}
	require.NoError(t, repo.EnqueueGatewayTask(ctx, task))

	claimed, err := repo.ClaimDueGatewayTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A claim returned without a dispatch must not cost retry budget.
	require.NoError(t, repo.ReleaseGatewayTask(ctx, task.ID))

	got, err := repo.GetGatewayTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayTaskPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	claimed, err = repo.ClaimDueGatewayTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, task.ID, claimed[0].ID)
}

func TestListDueDonations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	due := newTestDonation()
	past := now.Add(-time.Hour)
	due.NextChargeAt = &past
	require.NoError(t, repo.CreateDonation(ctx, due))

	future := newTestDonation()
	later := now.Add(time.Hour)
	future.NextChargeAt = &later
	require.NoError(t, repo.CreateDonation(ctx, future))

	paused := newTestDonation()
	paused.SubscriptionStatus = models.SubscriptionPaused
	paused.NextChargeAt = &past
	require.NoError(t, repo.CreateDonation(ctx, paused))

	got, err := repo.ListDueDonations(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}
