package models

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Cadence of a recurring donation.
const (
	ScheduleMonthly   = "monthly"
	ScheduleQuarterly = "quarterly"
	ScheduleYearly    = "yearly"
)

// Subscription lifecycle states. Cancelled and failed are terminal.
const (
	SubscriptionPending   = "pending"
	SubscriptionActive    = "active"
	SubscriptionPaused    = "paused"
	SubscriptionCancelled = "cancelled"
	SubscriptionFailed    = "failed"
)

// Status of the current billing cycle's charge.
const (
	DonationPending   = "pending"
	DonationCompleted = "completed"
	DonationFailed    = "failed"
	DonationRefunded  = "refunded"
)

// Donation is one pledge, one-time or recurring. A recurring donation owns a
// sequence of charge attempts, one (plus retries) per billing cycle.
type Donation struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UUID           string          `gorm:"type:char(36);not null;uniqueIndex" json:"uuid"`
	DonationCode   string          `gorm:"type:varchar(12);not null;uniqueIndex" json:"donation_code"`
	DonorReference string          `gorm:"type:varchar(64);not null;index" json:"donor_reference"`
	DonorEmail     string          `gorm:"type:varchar(254);not null;default:''" json:"donor_email,omitempty"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency       string          `gorm:"type:char(3);not null" json:"currency"`
	IsRecurring    bool            `gorm:"not null;default:false;index" json:"is_recurring"`
	Schedule       string          `gorm:"type:varchar(16);not null;default:''" json:"schedule,omitempty"`

	SubscriptionStatus string `gorm:"type:varchar(20);not null;default:'pending';index" json:"subscription_status"`
	DonationStatus     string `gorm:"type:varchar(20);not null;default:'pending';index" json:"donation_status"`
	StatusReason       string `gorm:"type:text" json:"status_reason,omitempty"`

	// GatewayScheduleID is the recurring profile the gateway returned on the
	// first accepted charge; empty for one-time donations.
	GatewayScheduleID string     `gorm:"type:varchar(191);not null;default:''" json:"gateway_schedule_id,omitempty"`
	FirstChargedAt    *time.Time `gorm:"type:timestamp;default:null" json:"first_charged_at,omitempty"`
	NextChargeAt      *time.Time `gorm:"type:timestamp;default:null;index" json:"next_charge_at,omitempty"`

	// ScheduleAnchorAt is the base date for cadence arithmetic: the first
	// settlement, or the resume time after a pause (resuming restarts the
	// cadence). Follow-up charges keep this date's day of month.
	ScheduleAnchorAt *time.Time `gorm:"type:timestamp;default:null" json:"-"`

	// LockVersion is bumped on every state transition; conditional updates on
	// it make concurrent transitions resolve to a single winner.
	LockVersion uint `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether no further subscription transitions are allowed.
func (d *Donation) IsTerminal() bool {
	return d.SubscriptionStatus == SubscriptionCancelled || d.SubscriptionStatus == SubscriptionFailed
}

const donationCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateDonationCode returns a 12 character public code. Uniqueness is
// enforced by the donation_code index, callers retry on collision.
func GenerateDonationCode() string {
	buf := make([]byte, 12)
	max := big.NewInt(int64(len(donationCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic(err)
		}
		buf[i] = donationCodeAlphabet[n.Int64()]
	}
	return string(buf)
}
