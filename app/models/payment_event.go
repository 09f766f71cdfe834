package models

import "time"

// PaymentEvent stores every accepted provider webhook for deduplication and
// audit. A row with ProcessedAt set is never reconciled again.
type PaymentEvent struct {
	ID              string     `gorm:"type:char(36);primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_payment_events_provider_external,unique,priority:1" json:"provider"`
	ExternalID      string     `gorm:"type:varchar(191);not null;index:ux_payment_events_provider_external,unique,priority:2" json:"external_id"`
	ProviderType    string     `gorm:"type:varchar(100);not null;default:''" json:"provider_type"`
	CanonicalType   EventType  `gorm:"type:varchar(50);not null;index" json:"canonical_type"`
	OrganizationID  string     `gorm:"type:char(36);default:'';index" json:"organization_id"`
	SubscriptionID  *string    `gorm:"type:char(36);default:null;index" json:"subscription_id,omitempty"`
	OccurredAt      time.Time  `gorm:"type:timestamp;not null" json:"occurred_at"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"processed_at,omitempty"`
	RawPayload      string     `gorm:"type:text;not null" json:"raw_payload"`
	ProcessingError string     `gorm:"type:text" json:"processing_error,omitempty"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether reconciliation already ran to completion.
func (e *PaymentEvent) IsProcessed() bool {
	return e.ProcessedAt != nil
}
