package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Charge attempt states. Settled and failed are terminal, an attempt is never
// updated once terminal.
const (
	AttemptInitiated = "initiated"
	AttemptSettled   = "settled"
	AttemptFailed    = "failed"
)

// ChargeAttempt is one attempt to collect funds for a billing cycle. Rows are
// append-only; the unique gateway_reference index is what makes webhook
// processing race-safe.
type ChargeAttempt struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	UUID       string `gorm:"type:char(36);not null;uniqueIndex" json:"uuid"`
	DonationID uint   `gorm:"not null;index" json:"donation_id"`

	// GatewayReference is the order id sent to the payment gateway, globally
	// unique per attempt and the deduplication key for webhook events.
	GatewayReference string `gorm:"type:varchar(191);not null;uniqueIndex:ux_charge_attempts_gateway_reference" json:"gateway_reference"`

	// Cycle counts billing periods from 1; Retry counts retries within the
	// cycle, 0 for the first attempt.
	Cycle int `gorm:"not null;default:1" json:"cycle"`
	Retry int `gorm:"not null;default:0" json:"retry"`

	Status   string          `gorm:"type:varchar(20);not null;default:'initiated';index" json:"status"`
	Amount   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency string          `gorm:"type:char(3);not null" json:"currency"`

	FailureCode    string     `gorm:"type:varchar(100);not null;default:''" json:"failure_code,omitempty"`
	FailureMessage string     `gorm:"type:text" json:"failure_message,omitempty"`
	OccurredAt     time.Time  `gorm:"not null" json:"occurred_at"`
	SettledAt      *time.Time `gorm:"type:timestamp;default:null" json:"settled_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the attempt outcome is final.
func (a *ChargeAttempt) IsTerminal() bool {
	return a.Status == AttemptSettled || a.Status == AttemptFailed
}
