package models

import "time"

// ProviderAccount maps a provider-side account (Stripe Connect account,
// Patreon campaign) to the organization that owns it.
type ProviderAccount struct {
	ID                string    `gorm:"type:char(36);primaryKey" json:"id"`
	OrganizationID    string    `gorm:"type:char(36);not null;index" json:"organization_id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_provider_accounts_provider_account,unique,priority:1" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(191);not null;index:ux_provider_accounts_provider_account,unique,priority:2" json:"provider_account_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
