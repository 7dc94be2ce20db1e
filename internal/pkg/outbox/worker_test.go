package outbox

import (
	"context"
	"errors"
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
	"github.com/openkindness/givecore/internal/pkg/gateway"
	"github.com/openkindness/givecore/internal/pkg/ledger"
)

type stubAdapter struct {
	err       error
	cancelled []string
	suspended []string
	resumed   []string
}

func (s *stubAdapter) ScheduleCharge(_ context.Context, _ gateway.ScheduleRequest) (*gateway.ScheduleResult, error) {
	return nil, errors.New("not used")
}
func (s *stubAdapter) CancelSchedule(_ context.Context, id string) error {
	s.cancelled = append(s.cancelled, id)
	return s.err
}
func (s *stubAdapter) SuspendSchedule(_ context.Context, id string) error {
	s.suspended = append(s.suspended, id)
	return s.err
}
func (s *stubAdapter) ResumeSchedule(_ context.Context, id string) error {
	s.resumed = append(s.resumed, id)
	return s.err
}
func (s *stubAdapter) QueryCharge(_ context.Context, _ string) (gateway.Outcome, error) {
	return gateway.OutcomePending, nil
}

func newTestWorker(t *testing.T) (*Worker, ledger.Repository, *stubAdapter) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Donation{}, &models.GatewayTask{}))
	repo := ledger.NewRepository(db)
	adapter := &stubAdapter{}
	return NewWorker(repo, adapter), repo, adapter
}

func seedTask(t *testing.T, repo ledger.Repository, kind string, attempts int) *models.GatewayTask {
	t.Helper()
	ctx := context.Background()
	d := &models.Donation{
		UUID:               uuid.NewString(),
		DonationCode:       models.GenerateDonationCode(),
		DonorReference:     "donor-1",
		Amount:             decimal.RequireFromString("500.00"),
		Currency:           "KGS",
		SubscriptionStatus: models.SubscriptionCancelled,
		DonationStatus:     models.DonationCompleted,
	}
	require.NoError(t, repo.CreateDonation(ctx, d))

	task := &models.GatewayTask{
		Kind:              kind,
		DonationID:        d.ID,
		GatewayScheduleID: "profile-77",
		Status:            models.GatewayTaskPending,
		Attempts:          attempts,
		NextRunAt:         time.Now().Add(-time.Second),
	}
	require.NoError(t, repo.EnqueueGatewayTask(ctx, task))
	return task
}

func getTask(t *testing.T, repo ledger.Repository, id uint) *models.GatewayTask {
	t.Helper()
	task, err := repo.GetGatewayTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestRunOnceCompletesTask(t *testing.T) {
	w, repo, adapter := newTestWorker(t)

	task := seedTask(t, repo, models.GatewayTaskCancelSchedule, 0)

	processed := w.RunOnce(context.Background())
	assert.Equal(t, 1, processed)
	assert.Equal(t, []string{"profile-77"}, adapter.cancelled)

	got := getTask(t, repo, task.ID)
	assert.Equal(t, models.GatewayTaskCompleted, got.Status)
	require.NotNil(t, got.DoneAt)
}

func TestRunOnceDispatchesByKind(t *testing.T) {
	w, repo, adapter := newTestWorker(t)

	seedTask(t, repo, models.GatewayTaskSuspendSchedule, 0)
	seedTask(t, repo, models.GatewayTaskResumeSchedule, 0)

	processed := w.RunOnce(context.Background())
	assert.Equal(t, 2, processed)
	assert.Equal(t, []string{"profile-77"}, adapter.suspended)
	assert.Equal(t, []string{"profile-77"}, adapter.resumed)
}

func TestRunOnceReschedulesOnFailure(t *testing.T) {
	w, repo, adapter := newTestWorker(t)
	adapter.err = errors.New("gateway unavailable")

	task := seedTask(t, repo, models.GatewayTaskCancelSchedule, 0)

	w.RunOnce(context.Background())

	got := getTask(t, repo, task.ID)
	assert.Equal(t, models.GatewayTaskPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextRunAt.After(time.Now()))
	assert.Contains(t, got.LastError, "gateway unavailable")

	// Not due yet, so an immediate second run leaves it alone.
	processed := w.RunOnce(context.Background())
	assert.Equal(t, 0, processed)
}

func TestRunOnceMarksTerminalAfterAttemptBound(t *testing.T) {
	w, repo, adapter := newTestWorker(t)
	adapter.err = errors.New("profile gone")

	task := seedTask(t, repo, models.GatewayTaskCancelSchedule, DefaultMaxAttempts-1)

	w.RunOnce(context.Background())

	got := getTask(t, repo, task.ID)
	assert.Equal(t, models.GatewayTaskFailed, got.Status)
	require.NotNil(t, got.DoneAt)
}
