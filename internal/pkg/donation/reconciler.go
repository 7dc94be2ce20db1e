package donation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/openkindness/givecore/app/models"
	"github.com/openkindness/givecore/internal/pkg/gateway"
	"github.com/openkindness/givecore/internal/pkg/ledger"
	"github.com/openkindness/givecore/internal/pkg/receipt"
)

// ReceiptIssuer issues the receipt for a settled charge attempt.
type ReceiptIssuer interface {
	Generate(ctx context.Context, attemptID uint) (*models.Receipt, error)
}

// Event is one normalized gateway notification. GatewayReference identifies
// both the charge attempt and the deduplication key: the gateway reports each
// order's final outcome exactly once, delivered at least once.
type Event struct {
	Provider         string
	GatewayReference string
	Outcome          gateway.Outcome
	OccurredAt       time.Time
	FailureCode      string
	FailureMessage   string
	PayloadJSON      string
	SignatureValid   bool
}

// Reconciler applies asynchronous gateway events to the ledger. Processing is
// idempotent under at-least-once, out-of-order delivery: duplicates are
// answered successfully without side effects, terminal attempts are never
// overwritten, and all mutations for one event commit atomically.
type Reconciler struct {
	repo     ledger.Repository
	receipts ReceiptIssuer
	retry    RetryPolicy
	now      func() time.Time
}

// NewReconciler creates a reconciler sharing the service's retry policy.
func NewReconciler(repo ledger.Repository, receipts ReceiptIssuer, retry RetryPolicy) *Reconciler {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Reconciler{repo: repo, receipts: receipts, retry: retry, now: time.Now}
}

// WithClock overrides the reconciler clock. Tests only.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// HandleWebhookEvent ingests one gateway event. A nil return means the event
// is fully applied (or was a duplicate, an intermediate state, or a dropped
// stale delivery); transient errors leave the event unprocessed so the
// gateway's redelivery retries it.
func (r *Reconciler) HandleWebhookEvent(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}

	// Intermediate states carry no final outcome. Acknowledge without
	// recording anything: the dedup key must stay free for the final
	// settled/failed callback on the same reference.
	if ev.Outcome != gateway.OutcomeSettled && ev.Outcome != gateway.OutcomeFailed {
		log.Infof("[Reconciler] intermediate %s event for %s/%s, awaiting final callback",
			ev.Outcome, ev.Provider, ev.GatewayReference)
		return nil
	}

	created, stored, err := r.repo.CreateWebhookEventIfNotExists(ctx, &models.GatewayWebhookEvent{
		Provider:         ev.Provider,
		GatewayReference: ev.GatewayReference,
		Outcome:          string(ev.Outcome),
		PayloadJSON:      ev.PayloadJSON,
		SignatureValid:   ev.SignatureValid,
		OccurredAt:       ev.OccurredAt,
	})
	if err != nil {
		return err
	}
	if !created && stored.ProcessedAt != nil {
		log.Infof("[Reconciler] duplicate event %s/%s, already applied", ev.Provider, ev.GatewayReference)
		return nil
	}

	applyErr := r.apply(ctx, ev)
	if applyErr != nil {
		if errors.Is(applyErr, ErrUnknownAttempt) {
			// Manual-review case, not retried indefinitely.
			log.Warnf("[Reconciler] %s/%s: %v", ev.Provider, ev.GatewayReference, applyErr)
			if markErr := r.repo.MarkWebhookProcessed(ctx, stored.ID, applyErr.Error()); markErr != nil {
				return markErr
			}
			return applyErr
		}
		return applyErr
	}

	if ev.Outcome == gateway.OutcomeSettled {
		if err := r.issueReceipt(ctx, ev.GatewayReference); err != nil {
			return err
		}
	}

	return r.repo.MarkWebhookProcessed(ctx, stored.ID, "")
}

// apply looks up the attempt and applies the final outcome, all as one
// transaction.
func (r *Reconciler) apply(ctx context.Context, ev Event) error {
	return r.repo.Transaction(ctx, func(tx ledger.Repository) error {
		attempt, err := tx.GetChargeAttemptByGatewayReference(ctx, ev.GatewayReference)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAttempt, ev.GatewayReference)
		}
		if err != nil {
			return err
		}
		if attempt.IsTerminal() {
			log.Infof("[Reconciler] dropping %s event for terminal attempt %s (%s)",
				ev.Outcome, attempt.GatewayReference, attempt.Status)
			return nil
		}

		if ev.Outcome == gateway.OutcomeSettled {
			return r.applySettled(ctx, tx, attempt, ev)
		}
		return r.applyFailed(ctx, tx, attempt, ev)
	})
}

func (r *Reconciler) applySettled(ctx context.Context, tx ledger.Repository, attempt *models.ChargeAttempt, ev Event) error {
	ok, err := tx.FinalizeChargeAttempt(ctx, attempt.ID, map[string]interface{}{
		"status":     models.AttemptSettled,
		"settled_at": &ev.OccurredAt,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	d, err := tx.GetDonation(ctx, attempt.DonationID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"donation_status": models.DonationCompleted,
	}
	anchor := d.ScheduleAnchorAt
	if d.FirstChargedAt == nil {
		updates["first_charged_at"] = &ev.OccurredAt
	}
	if anchor == nil {
		anchor = &ev.OccurredAt
		updates["schedule_anchor_at"] = anchor
	}
	if d.IsRecurring && d.SubscriptionStatus == models.SubscriptionActive {
		updates["next_charge_at"] = NextChargeAfter(d.Schedule, *anchor, r.now())
	}
	if err := tx.UpdateDonationGuarded(ctx, d, updates); err != nil {
		return mapStale(err)
	}
	log.Infof("[Reconciler] settled %s for donation %s", attempt.GatewayReference, d.DonationCode)
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, tx ledger.Repository, attempt *models.ChargeAttempt, ev Event) error {
	ok, err := tx.FinalizeChargeAttempt(ctx, attempt.ID, map[string]interface{}{
		"status":          models.AttemptFailed,
		"failure_code":    ev.FailureCode,
		"failure_message": ev.FailureMessage,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	d, err := tx.GetDonation(ctx, attempt.DonationID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"donation_status": models.DonationFailed,
	}
	attemptsMade := attempt.Retry + 1
	switch {
	case !d.IsRecurring:
		updates["subscription_status"] = models.SubscriptionFailed
		updates["status_reason"] = ev.FailureMessage
	case d.SubscriptionStatus != models.SubscriptionActive:
		// Cancelled or paused while the charge was in flight; record the
		// failure but never schedule anything new.
	case r.retry.Exhausted(attemptsMade):
		updates["subscription_status"] = models.SubscriptionFailed
		updates["next_charge_at"] = nil
		updates["status_reason"] = fmt.Sprintf("charge failed after %d attempts: %s", attemptsMade, ev.FailureMessage)
		log.Warnf("[Reconciler] donation %s failed terminally after %d attempts", d.DonationCode, attemptsMade)
	default:
		retryAt := r.retry.NextRetryAt(attemptsMade, r.now())
		updates["next_charge_at"] = &retryAt
		log.Infof("[Reconciler] scheduling retry %d for donation %s at %s", attemptsMade, d.DonationCode, retryAt)
	}
	if err := tx.UpdateDonationGuarded(ctx, d, updates); err != nil {
		return mapStale(err)
	}
	return nil
}

// issueReceipt runs after the settle transaction commits: artifact uploads
// are not transactional, and the receipt row's uniqueness constraint already
// makes issuance idempotent. The event stays unprocessed until the receipt
// exists, so a crashed upload is retried on redelivery.
func (r *Reconciler) issueReceipt(ctx context.Context, gatewayReference string) error {
	attempt, err := r.repo.GetChargeAttemptByGatewayReference(ctx, gatewayReference)
	if err != nil {
		return err
	}
	if attempt.Status != models.AttemptSettled {
		// The event was dropped against a conflicting terminal state.
		return nil
	}
	if _, err := r.receipts.Generate(ctx, attempt.ID); err != nil && !errors.Is(err, receipt.ErrAlreadyExists) {
		return err
	}
	return nil
}
