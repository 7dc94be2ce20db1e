package models

import "time"

// GatewayWebhookEvent stores every webhook delivery with deduplication
// metadata. The composite unique index on (provider, gateway_reference) makes
// at-least-once delivery idempotent at the storage layer.
type GatewayWebhookEvent struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Provider         string     `gorm:"type:varchar(20);not null;index:ux_gateway_webhook_events_ref,unique,priority:1" json:"provider"`
	GatewayReference string     `gorm:"type:varchar(191);not null;index:ux_gateway_webhook_events_ref,unique,priority:2" json:"gateway_reference"`
	Outcome          string     `gorm:"type:varchar(20);not null" json:"outcome"`
	PayloadJSON      string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid   bool       `gorm:"default:false;index" json:"signature_valid"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	ProcessedAt      *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError  string     `gorm:"type:text" json:"processing_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
