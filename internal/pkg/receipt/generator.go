package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/openkindness/givecore/app/models"
	"github.com/openkindness/givecore/internal/pkg/ledger"
	"github.com/openkindness/givecore/internal/pkg/mail"
)

var (
	// ErrNotSettled means the charge attempt has not settled, so no receipt
	// may be issued for it.
	ErrNotSettled = errors.New("charge attempt is not settled")

	// ErrAlreadyExists means a receipt was already issued for the attempt.
	// Idempotent callers treat this as success.
	ErrAlreadyExists = errors.New("receipt already exists for charge attempt")
)

// Generator renders and persists receipt artifacts. Safe to call concurrently
// for the same attempt: the charge_attempt_id uniqueness constraint admits
// exactly one receipt no matter how many callers race.
type Generator struct {
	repo   ledger.Repository
	store  ArtifactStore
	notify func(to, subject, body string) error
	now    func() time.Time
}

// NewGenerator creates a receipt generator over the given artifact store.
func NewGenerator(repo ledger.Repository, store ArtifactStore) *Generator {
	return &Generator{repo: repo, store: store, notify: mail.SendMail, now: time.Now}
}

// WithClock overrides the generator clock. Tests only.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// WithNotifier overrides how donors are notified about new receipts.
func (g *Generator) WithNotifier(notify func(to, subject, body string) error) *Generator {
	g.notify = notify
	return g
}

// Generate issues the receipt for a settled charge attempt and returns it.
// Returns ErrNotSettled for non-settled attempts and ErrAlreadyExists
// (together with the stored receipt) when one was issued before.
func (g *Generator) Generate(ctx context.Context, attemptID uint) (*models.Receipt, error) {
	attempt, err := g.repo.GetChargeAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.AttemptSettled {
		return nil, fmt.Errorf("%w: attempt %d is %s", ErrNotSettled, attempt.ID, attempt.Status)
	}
	if existing, err := g.repo.GetReceiptByAttempt(ctx, attempt.ID); err == nil {
		return existing, ErrAlreadyExists
	}

	donation, err := g.repo.GetDonation(ctx, attempt.DonationID)
	if err != nil {
		return nil, err
	}

	issuedAt := g.now()
	key := fmt.Sprintf("receipts/%s/%s.txt", donation.DonationCode, attempt.UUID)
	artifact, err := g.store.Put(ctx, key, render(donation, attempt, issuedAt))
	if err != nil {
		return nil, err
	}

	created, stored, err := g.repo.CreateReceiptIfNotExists(ctx, &models.Receipt{
		UUID:            uuid.NewString(),
		ChargeAttemptID: attempt.ID,
		Artifact:        artifact,
		IssuedAt:        issuedAt,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race; the winner's artifact is the receipt of record.
		return stored, ErrAlreadyExists
	}
	log.Infof("[Receipt] issued %s for charge %s", stored.UUID, attempt.GatewayReference)

	// Best effort; the receipt stands whether or not the mail goes out.
	if donation.DonorEmail != "" {
		subject := fmt.Sprintf("Thank you for your donation %s", donation.DonationCode)
		body := fmt.Sprintf("We received %s %s. Your receipt reference is %s.",
			attempt.Amount.StringFixed(2), attempt.Currency, stored.Artifact)
		if err := g.notify(donation.DonorEmail, subject, body); err != nil {
			log.Warnf("[Receipt] mail to %s failed: %v", donation.DonorEmail, err)
		}
	}
	return stored, nil
}

func render(d *models.Donation, a *models.ChargeAttempt, issuedAt time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "DONATION RECEIPT\n")
	fmt.Fprintf(&b, "================\n\n")
	fmt.Fprintf(&b, "Donation:   %s\n", d.DonationCode)
	fmt.Fprintf(&b, "Reference:  %s\n", a.GatewayReference)
	fmt.Fprintf(&b, "Amount:     %s %s\n", a.Amount.StringFixed(2), a.Currency)
	if a.SettledAt != nil {
		fmt.Fprintf(&b, "Settled:    %s\n", a.SettledAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Issued:     %s\n", issuedAt.UTC().Format(time.RFC3339))
	return []byte(b.String())
}
