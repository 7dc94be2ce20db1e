package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openkindness/givecore/app/models"
)

// ErrStale is returned by guarded donation updates when the row changed since
// it was read. Callers treat it as a transient conflict and retry or report.
var ErrStale = errors.New("ledger: donation modified concurrently")

// Repository is the single source of truth for donations, charge attempts,
// receipts, webhook events and outbox tasks.
type Repository interface {
	// Transaction runs fn against a repository bound to one DB transaction.
	// Returning an error rolls back every mutation made through that handle.
	Transaction(ctx context.Context, fn func(Repository) error) error

	CreateDonation(ctx context.Context, d *models.Donation) error
	GetDonation(ctx context.Context, id uint) (*models.Donation, error)
	GetDonationByUUID(ctx context.Context, uuid string) (*models.Donation, error)
	// UpdateDonationGuarded applies updates only if the row still carries the
	// version read into d, then bumps lock_version. ErrStale on lost races.
	UpdateDonationGuarded(ctx context.Context, d *models.Donation, updates map[string]interface{}) error
	ListDueDonations(ctx context.Context, now time.Time, limit int) ([]models.Donation, error)

	CreateChargeAttempt(ctx context.Context, a *models.ChargeAttempt) error
	GetChargeAttempt(ctx context.Context, id uint) (*models.ChargeAttempt, error)
	GetChargeAttemptByGatewayReference(ctx context.Context, ref string) (*models.ChargeAttempt, error)
	// GetInitiatedAttempt returns the donation's in-flight attempt, or nil.
	GetInitiatedAttempt(ctx context.Context, donationID uint) (*models.ChargeAttempt, error)
	// GetLatestAttempt returns the newest attempt for a donation, nil when
	// none exist yet.
	GetLatestAttempt(ctx context.Context, donationID uint) (*models.ChargeAttempt, error)
	GetLatestSettledAttempt(ctx context.Context, donationID uint) (*models.ChargeAttempt, error)
	// FinalizeChargeAttempt moves an attempt out of initiated. Returns false
	// without touching the row when the attempt is already terminal.
	FinalizeChargeAttempt(ctx context.Context, attemptID uint, updates map[string]interface{}) (bool, error)

	// CreateReceiptIfNotExists inserts behind the charge_attempt_id unique
	// index. Returns the stored receipt and whether this call created it.
	CreateReceiptIfNotExists(ctx context.Context, r *models.Receipt) (bool, *models.Receipt, error)
	GetReceiptByAttempt(ctx context.Context, attemptID uint) (*models.Receipt, error)

	// CreateWebhookEventIfNotExists inserts behind the (provider, reference)
	// unique index. Returns the stored event and whether this call created it.
	CreateWebhookEventIfNotExists(ctx context.Context, e *models.GatewayWebhookEvent) (bool, *models.GatewayWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error

	EnqueueGatewayTask(ctx context.Context, t *models.GatewayTask) error
	GetGatewayTask(ctx context.Context, id uint) (*models.GatewayTask, error)
	// ClaimDueGatewayTasks flips due pending tasks to processing and returns
	// the claimed rows. Concurrent workers never claim the same task twice.
	ClaimDueGatewayTasks(ctx context.Context, now time.Time, limit int) ([]models.GatewayTask, error)
	CompleteGatewayTask(ctx context.Context, id uint) error
	// RescheduleGatewayTask records a failed run; terminal marks the task
	// failed instead of scheduling another run.
	RescheduleGatewayTask(ctx context.Context, id uint, nextRun time.Time, lastError string, terminal bool) error
	// ReleaseGatewayTask returns a claimed but never dispatched task to
	// pending without consuming an attempt.
	ReleaseGatewayTask(ctx context.Context, id uint) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateDonation(ctx context.Context, d *models.Donation) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *gormRepository) GetDonation(ctx context.Context, id uint) (*models.Donation, error) {
	var d models.Donation
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *gormRepository) GetDonationByUUID(ctx context.Context, uuid string) (*models.Donation, error) {
	var d models.Donation
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *gormRepository) UpdateDonationGuarded(ctx context.Context, d *models.Donation, updates map[string]interface{}) error {
	updates["lock_version"] = d.LockVersion + 1
	tx := r.db.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND lock_version = ?", d.ID, d.LockVersion).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStale
	}
	d.LockVersion++
	return nil
}

func (r *gormRepository) ListDueDonations(ctx context.Context, now time.Time, limit int) ([]models.Donation, error) {
	var due []models.Donation
	q := r.db.WithContext(ctx).
		Where("is_recurring = ? AND subscription_status = ? AND next_charge_at IS NOT NULL AND next_charge_at <= ?",
			true, models.SubscriptionActive, now).
		Order("next_charge_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&due).Error
	return due, err
}

func (r *gormRepository) CreateChargeAttempt(ctx context.Context, a *models.ChargeAttempt) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *gormRepository) GetChargeAttempt(ctx context.Context, id uint) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) GetChargeAttemptByGatewayReference(ctx context.Context, ref string) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	if err := r.db.WithContext(ctx).Where("gateway_reference = ?", ref).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) GetInitiatedAttempt(ctx context.Context, donationID uint) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	err := r.db.WithContext(ctx).
		Where("donation_id = ? AND status = ?", donationID, models.AttemptInitiated).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) GetLatestAttempt(ctx context.Context, donationID uint) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	err := r.db.WithContext(ctx).
		Where("donation_id = ?", donationID).
		Order("id DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) GetLatestSettledAttempt(ctx context.Context, donationID uint) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	err := r.db.WithContext(ctx).
		Where("donation_id = ? AND status = ?", donationID, models.AttemptSettled).
		Order("id DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) FinalizeChargeAttempt(ctx context.Context, attemptID uint, updates map[string]interface{}) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.ChargeAttempt{}).
		Where("id = ? AND status = ?", attemptID, models.AttemptInitiated).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreateReceiptIfNotExists(ctx context.Context, receipt *models.Receipt) (bool, *models.Receipt, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "charge_attempt_id"}},
		DoNothing: true,
	}).Create(receipt)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	created := tx.RowsAffected > 0

	var stored models.Receipt
	if err := r.db.WithContext(ctx).
		Where("charge_attempt_id = ?", receipt.ChargeAttemptID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetReceiptByAttempt(ctx context.Context, attemptID uint) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("charge_attempt_id = ?", attemptID).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.GatewayWebhookEvent) (bool, *models.GatewayWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "gateway_reference"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	created := tx.RowsAffected > 0

	var stored models.GatewayWebhookEvent
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND gateway_reference = ?", event.Provider, event.GatewayReference).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.GatewayWebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     &now,
			"processing_error": processingError,
		}).Error
}

func (r *gormRepository) EnqueueGatewayTask(ctx context.Context, t *models.GatewayTask) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *gormRepository) GetGatewayTask(ctx context.Context, id uint) (*models.GatewayTask, error) {
	var task models.GatewayTask
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *gormRepository) ClaimDueGatewayTasks(ctx context.Context, now time.Time, limit int) ([]models.GatewayTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var candidates []models.GatewayTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_run_at <= ?", models.GatewayTaskPending, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.GatewayTask, 0, len(candidates))
	for i := range candidates {
		// Guarded flip; a concurrent worker that claimed first wins.
		tx := r.db.WithContext(ctx).Model(&models.GatewayTask{}).
			Where("id = ? AND status = ?", candidates[i].ID, models.GatewayTaskPending).
			Update("status", models.GatewayTaskProcessing)
		if tx.Error != nil {
			return claimed, tx.Error
		}
		if tx.RowsAffected > 0 {
			candidates[i].Status = models.GatewayTaskProcessing
			claimed = append(claimed, candidates[i])
		}
	}
	return claimed, nil
}

func (r *gormRepository) CompleteGatewayTask(ctx context.Context, id uint) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.GatewayTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  models.GatewayTaskCompleted,
			"done_at": &now,
		}).Error
}

func (r *gormRepository) RescheduleGatewayTask(ctx context.Context, id uint, nextRun time.Time, lastError string, terminal bool) error {
	updates := map[string]interface{}{
		"status":      models.GatewayTaskPending,
		"attempts":    gorm.Expr("attempts + 1"),
		"next_run_at": nextRun,
		"last_error":  lastError,
	}
	if terminal {
		now := time.Now()
		updates["status"] = models.GatewayTaskFailed
		updates["done_at"] = &now
	}
	return r.db.WithContext(ctx).Model(&models.GatewayTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *gormRepository) ReleaseGatewayTask(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.GatewayTask{}).
		Where("id = ? AND status = ?", id, models.GatewayTaskProcessing).
		Update("status", models.GatewayTaskPending).Error
}
