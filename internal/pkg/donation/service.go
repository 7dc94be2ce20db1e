package donation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openkindness/givecore/app/models"
	"github.com/openkindness/givecore/internal/pkg/gateway"
	"github.com/openkindness/givecore/internal/pkg/ledger"
)

var validate = validator.New()

// Service enforces the subscription state machine. Every transition commits as
// one single-winner transaction against the ledger; races lose with
// ErrConflict instead of overwriting each other.
type Service struct {
	repo    ledger.Repository
	adapter gateway.Adapter
	retry   RetryPolicy
	now     func() time.Time
	newCode func() string
}

// NewService creates the donation service. A zero RetryPolicy falls back to
// the default.
func NewService(repo ledger.Repository, adapter gateway.Adapter, retry RetryPolicy) *Service {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Service{
		repo:    repo,
		adapter: adapter,
		retry:   retry,
		now:     time.Now,
		newCode: models.GenerateDonationCode,
	}
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCodeGenerator overrides how donation codes are generated. Tests only.
func (s *Service) WithCodeGenerator(newCode func() string) *Service {
	s.newCode = newCode
	return s
}

// Retry exposes the configured retry policy (the reconciler shares it).
func (s *Service) Retry() RetryPolicy { return s.retry }

// CreateParams are the caller-supplied fields of a new donation.
type CreateParams struct {
	DonorReference string          `validate:"required,max=64"`
	DonorEmail     string          `validate:"omitempty,email"`
	Amount         decimal.Decimal `validate:"-"`
	Currency       string          `validate:"required,oneof=KGS USD EUR RUB"`
	Recurring      bool
	Schedule       string `validate:"omitempty,oneof=monthly quarterly yearly"`
}

func (p CreateParams) check() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if p.Recurring && p.Schedule == "" {
		return fmt.Errorf("%w: recurring donation requires a schedule", ErrValidation)
	}
	if !p.Recurring && p.Schedule != "" {
		return fmt.Errorf("%w: one-time donation cannot carry a schedule", ErrValidation)
	}
	return nil
}

// Create validates params, persists the donation in pending and submits the
// first charge. The donation moves to active only after the gateway accepts;
// a rejection or timeout leaves it failed with the gateway's reason and no
// initiated attempt.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Donation, string, error) {
	if err := params.check(); err != nil {
		return nil, "", err
	}

	d := &models.Donation{
		UUID:               uuid.NewString(),
		DonorReference:     strings.TrimSpace(params.DonorReference),
		DonorEmail:         strings.TrimSpace(params.DonorEmail),
		Amount:             params.Amount,
		Currency:           params.Currency,
		IsRecurring:        params.Recurring,
		Schedule:           params.Schedule,
		SubscriptionStatus: models.SubscriptionPending,
		DonationStatus:     models.DonationPending,
	}
	// Codes are random; a collision on the unique index just means drawing
	// a fresh one.
	for tries := 0; ; tries++ {
		d.DonationCode = s.newCode()
		err := s.repo.CreateDonation(ctx, d)
		if err == nil {
			break
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) && tries < 2 {
			continue
		}
		return nil, "", err
	}

	orderID := newGatewayReference(d.DonationCode, 1, 0)
	result, gerr := s.adapter.ScheduleCharge(ctx, gateway.ScheduleRequest{
		OrderID:      orderID,
		DonationCode: d.DonationCode,
		Amount:       d.Amount,
		Currency:     d.Currency,
		Description:  "Donation " + d.DonationCode,
		Recurring:    d.IsRecurring,
	})
	if gerr != nil {
		// No attempt may be marked initiated without gateway acceptance.
		log.Errorf("[Donation] gateway rejected first charge for %s: %v", d.DonationCode, gerr)
		if err := s.repo.UpdateDonationGuarded(ctx, d, map[string]interface{}{
			"subscription_status": models.SubscriptionFailed,
			"status_reason":       gerr.Error(),
		}); err != nil {
			return nil, "", err
		}
		d.SubscriptionStatus = models.SubscriptionFailed
		d.StatusReason = gerr.Error()
		return d, "", gerr
	}

	err := s.repo.Transaction(ctx, func(tx ledger.Repository) error {
		if err := tx.CreateChargeAttempt(ctx, &models.ChargeAttempt{
			UUID:             uuid.NewString(),
			DonationID:       d.ID,
			GatewayReference: orderID,
			Cycle:            1,
			Retry:            0,
			Status:           models.AttemptInitiated,
			Amount:           d.Amount,
			Currency:         d.Currency,
			OccurredAt:       s.now(),
		}); err != nil {
			return err
		}
		return tx.UpdateDonationGuarded(ctx, d, map[string]interface{}{
			"subscription_status": models.SubscriptionActive,
			"gateway_schedule_id": result.ScheduleID,
		})
	})
	if err != nil {
		return nil, "", mapStale(err)
	}
	d.SubscriptionStatus = models.SubscriptionActive
	d.GatewayScheduleID = result.ScheduleID
	log.Infof("[Donation] created %s (recurring=%v) with first charge %s", d.DonationCode, d.IsRecurring, orderID)
	return d, result.PaymentURL, nil
}

// Get loads a donation for its donor.
func (s *Service) Get(ctx context.Context, donationUUID, actor string) (*models.Donation, error) {
	d, err := s.repo.GetDonationByUUID(ctx, donationUUID)
	if err != nil {
		return nil, err
	}
	if err := authorize(d, actor); err != nil {
		return nil, err
	}
	return d, nil
}

// Cancel stops a subscription from active or paused. The local transition is
// authoritative; the gateway cancel is recorded as an outbox task in the same
// transaction and retried asynchronously.
func (s *Service) Cancel(ctx context.Context, donationUUID, actor string) (*models.Donation, error) {
	return s.transition(ctx, donationUUID, actor, models.SubscriptionCancelled,
		[]string{models.SubscriptionActive, models.SubscriptionPaused},
		models.GatewayTaskCancelSchedule)
}

// Pause suspends an active subscription. Same outbox discipline as Cancel.
func (s *Service) Pause(ctx context.Context, donationUUID, actor string) (*models.Donation, error) {
	return s.transition(ctx, donationUUID, actor, models.SubscriptionPaused,
		[]string{models.SubscriptionActive},
		models.GatewayTaskSuspendSchedule)
}

func (s *Service) transition(ctx context.Context, donationUUID, actor, target string, from []string, taskKind string) (*models.Donation, error) {
	var result *models.Donation
	err := s.repo.Transaction(ctx, func(tx ledger.Repository) error {
		d, err := tx.GetDonationByUUID(ctx, donationUUID)
		if err != nil {
			return err
		}
		if err := authorize(d, actor); err != nil {
			return err
		}
		if !statusIn(d.SubscriptionStatus, from) {
			return invalidTransition(d.SubscriptionStatus, target)
		}
		if err := tx.UpdateDonationGuarded(ctx, d, map[string]interface{}{
			"subscription_status": target,
			"next_charge_at":      nil,
			"schedule_anchor_at":  nil,
		}); err != nil {
			return err
		}
		if d.GatewayScheduleID != "" {
			if err := tx.EnqueueGatewayTask(ctx, &models.GatewayTask{
				Kind:              taskKind,
				DonationID:        d.ID,
				GatewayScheduleID: d.GatewayScheduleID,
				Status:            models.GatewayTaskPending,
				NextRunAt:         s.now(),
			}); err != nil {
				return err
			}
		}
		d.SubscriptionStatus = target
		d.NextChargeAt = nil
		d.ScheduleAnchorAt = nil
		result = d
		return nil
	})
	if err != nil {
		return nil, mapStale(err)
	}
	log.Infof("[Donation] %s is now %s", result.DonationCode, target)
	return result, nil
}

// Resume reactivates a paused subscription. The cadence restarts anchored at
// the resume time, not at the original anchor.
func (s *Service) Resume(ctx context.Context, donationUUID, actor string) (*models.Donation, error) {
	var result *models.Donation
	err := s.repo.Transaction(ctx, func(tx ledger.Repository) error {
		d, err := tx.GetDonationByUUID(ctx, donationUUID)
		if err != nil {
			return err
		}
		if err := authorize(d, actor); err != nil {
			return err
		}
		if d.SubscriptionStatus != models.SubscriptionPaused {
			return invalidTransition(d.SubscriptionStatus, models.SubscriptionActive)
		}

		now := s.now()
		next := NextChargeAfter(d.Schedule, now, now)
		if err := tx.UpdateDonationGuarded(ctx, d, map[string]interface{}{
			"subscription_status": models.SubscriptionActive,
			"schedule_anchor_at":  &now,
			"next_charge_at":      next,
		}); err != nil {
			return err
		}
		if d.GatewayScheduleID != "" {
			if err := tx.EnqueueGatewayTask(ctx, &models.GatewayTask{
				Kind:              models.GatewayTaskResumeSchedule,
				DonationID:        d.ID,
				GatewayScheduleID: d.GatewayScheduleID,
				Status:            models.GatewayTaskPending,
				NextRunAt:         now,
			}); err != nil {
				return err
			}
		}
		d.SubscriptionStatus = models.SubscriptionActive
		d.ScheduleAnchorAt = &now
		d.NextChargeAt = next
		result = d
		return nil
	})
	if err != nil {
		return nil, mapStale(err)
	}
	log.Infof("[Donation] %s resumed, next charge %v", result.DonationCode, result.NextChargeAt)
	return result, nil
}

// AdvanceCycle submits the next due charge for one donation. It is a no-op
// unless the donation is active, due, and has no attempt in flight. The
// gateway must accept before anything commits: a failure rolls the new
// attempt back and leaves next_charge_at in place for the retry policy.
func (s *Service) AdvanceCycle(ctx context.Context, donationID uint) (bool, error) {
	advanced := false
	err := s.repo.Transaction(ctx, func(tx ledger.Repository) error {
		d, err := tx.GetDonation(ctx, donationID)
		if err != nil {
			return err
		}
		now := s.now()
		if d.SubscriptionStatus != models.SubscriptionActive || !d.IsRecurring ||
			d.NextChargeAt == nil || d.NextChargeAt.After(now) {
			return nil
		}
		inflight, err := tx.GetInitiatedAttempt(ctx, d.ID)
		if err != nil {
			return err
		}
		if inflight != nil {
			return nil
		}

		cycle, retry := 1, 0
		latest, err := tx.GetLatestAttempt(ctx, d.ID)
		if err != nil {
			return err
		}
		if latest != nil {
			if d.DonationStatus == models.DonationFailed && latest.Status == models.AttemptFailed {
				cycle, retry = latest.Cycle, latest.Retry+1
			} else {
				cycle, retry = latest.Cycle+1, 0
			}
		}

		orderID := newGatewayReference(d.DonationCode, cycle, retry)
		if err := tx.CreateChargeAttempt(ctx, &models.ChargeAttempt{
			UUID:             uuid.NewString(),
			DonationID:       d.ID,
			GatewayReference: orderID,
			Cycle:            cycle,
			Retry:            retry,
			Status:           models.AttemptInitiated,
			Amount:           d.Amount,
			Currency:         d.Currency,
			OccurredAt:       now,
		}); err != nil {
			return err
		}

		if _, err := s.adapter.ScheduleCharge(ctx, gateway.ScheduleRequest{
			OrderID:      orderID,
			DonationCode: d.DonationCode,
			Amount:       d.Amount,
			Currency:     d.Currency,
			Description:  fmt.Sprintf("Donation %s cycle %d", d.DonationCode, cycle),
			Recurring:    true,
			ScheduleID:   d.GatewayScheduleID,
		}); err != nil {
			// Rolls back the attempt; next_charge_at stays due.
			return err
		}

		if err := tx.UpdateDonationGuarded(ctx, d, map[string]interface{}{
			"donation_status": models.DonationPending,
		}); err != nil {
			return err
		}
		advanced = true
		log.Infof("[Donation] advanced %s to cycle %d (retry %d)", d.DonationCode, cycle, retry)
		return nil
	})
	if err != nil {
		return false, mapStale(err)
	}
	return advanced, nil
}

// AdvanceDueCycles sweeps every active recurring donation whose next charge is
// due and returns how many charges were submitted. Conflicts and gateway
// failures skip the donation; the next sweep picks it up again.
func (s *Service) AdvanceDueCycles(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListDueDonations(ctx, now, 200)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		ok, err := s.AdvanceCycle(ctx, due[i].ID)
		if err != nil {
			log.Errorf("[Donation] advance failed for %s: %v", due[i].DonationCode, err)
			continue
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

// GetReceiptReference returns the artifact reference of the donation's most
// recent settled charge.
func (s *Service) GetReceiptReference(ctx context.Context, donationUUID, actor string) (string, error) {
	d, err := s.repo.GetDonationByUUID(ctx, donationUUID)
	if err != nil {
		return "", err
	}
	if err := authorize(d, actor); err != nil {
		return "", err
	}
	attempt, err := s.repo.GetLatestSettledAttempt(ctx, d.ID)
	if err != nil {
		return "", err
	}
	if attempt == nil {
		return "", gorm.ErrRecordNotFound
	}
	receipt, err := s.repo.GetReceiptByAttempt(ctx, attempt.ID)
	if err != nil {
		return "", err
	}
	return receipt.Artifact, nil
}

func authorize(d *models.Donation, actor string) error {
	if strings.TrimSpace(actor) == "" || d.DonorReference != actor {
		return ErrNotAuthorized
	}
	return nil
}

func statusIn(status string, allowed []string) bool {
	for _, s := range allowed {
		if status == s {
			return true
		}
	}
	return false
}

func mapStale(err error) error {
	if errors.Is(err, ledger.ErrStale) {
		return ErrConflict
	}
	return err
}

// newGatewayReference builds the per-attempt order id sent to the gateway.
// Globally unique: the donation code is unique and (cycle, retry) never
// repeats within a donation.
func newGatewayReference(donationCode string, cycle, retry int) string {
	return fmt.Sprintf("%s-C%d-R%d", donationCode, cycle, retry)
}
