package models

import "time"

// Receipt is the immutable proof of a settled charge attempt. The unique
// charge_attempt_id index guarantees at most one receipt per attempt no matter
// how many reconcilers race on the same settlement event.
type Receipt struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	UUID            string `gorm:"type:char(36);not null;uniqueIndex" json:"uuid"`
	ChargeAttemptID uint   `gorm:"not null;uniqueIndex:ux_receipts_charge_attempt" json:"charge_attempt_id"`

	// Artifact is the opaque storage reference of the rendered document; the
	// surrounding application streams the bytes to the donor.
	Artifact string `gorm:"type:varchar(255);not null" json:"artifact"`

	IssuedAt  time.Time `gorm:"not null" json:"issued_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
