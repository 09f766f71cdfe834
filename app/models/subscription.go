package models

import "time"

// Subscription is the internal record of a customer's paid access to a plan.
// Status is written only by the access reconciler and the sweepers.
type Subscription struct {
	ID                  string             `gorm:"type:char(36);primaryKey" json:"id"`
	OrganizationID      string             `gorm:"type:char(36);not null;index" json:"organization_id"`
	CustomerID          string             `gorm:"type:char(36);not null;index" json:"customer_id"`
	PlanID              string             `gorm:"type:char(36);not null;index" json:"plan_id"`
	Provider            string             `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_external,unique,priority:1" json:"provider"`
	ExternalID          *string            `gorm:"type:varchar(191);default:null;index:ux_subscriptions_provider_external,unique,priority:2" json:"external_id,omitempty"`
	Status              SubscriptionStatus `gorm:"type:varchar(32);not null;default:'incomplete';index:idx_subscriptions_status_grace,priority:1" json:"status"`
	GraceUntil          *time.Time         `gorm:"type:timestamp;default:null;index:idx_subscriptions_status_grace,priority:2" json:"grace_until,omitempty"`
	LastPaymentFailedAt *time.Time         `gorm:"type:timestamp;default:null" json:"last_payment_failed_at,omitempty"`
	CurrentPeriodEnd    *time.Time         `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	StartedAt           *time.Time         `gorm:"type:timestamp;default:null" json:"started_at,omitempty"`
	StatusChangedAt     *time.Time         `gorm:"type:timestamp;default:null" json:"status_changed_at,omitempty"`
	CanceledAt          *time.Time         `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CreatedAt           time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// InGrace reports whether the subscription is past due with an open grace
// window at the given instant.
func (s *Subscription) InGrace(now time.Time) bool {
	return s.Status == SubscriptionPastDue && s.GraceUntil != nil && now.Before(*s.GraceUntil)
}

// ChannelAccess tracks one subscription's membership in one channel.
// GrantedAt and RevokedAt are written only by the grant/revoke job processor.
type ChannelAccess struct {
	ID                string       `gorm:"type:char(36);primaryKey" json:"id"`
	SubscriptionID    string       `gorm:"type:char(36);not null;index:ux_channel_accesses_sub_channel,unique,priority:1" json:"subscription_id"`
	ChannelID         string       `gorm:"type:char(36);not null;index:ux_channel_accesses_sub_channel,unique,priority:2" json:"channel_id"`
	Status            AccessStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	GrantedAt         *time.Time   `gorm:"type:timestamp;default:null" json:"granted_at,omitempty"`
	RevokeRequestedAt *time.Time   `gorm:"type:timestamp;default:null" json:"revoke_requested_at,omitempty"`
	RevokedAt         *time.Time   `gorm:"type:timestamp;default:null" json:"revoked_at,omitempty"`
	LastError         string       `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt         time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// Entitlement is the customer-facing access right derived from a subscription.
// ExpiresAt is set for non-recurring plans only.
type Entitlement struct {
	ID             string     `gorm:"type:char(36);primaryKey" json:"id"`
	SubscriptionID string     `gorm:"type:char(36);not null;index:ux_entitlements_sub_channel,unique,priority:1" json:"subscription_id"`
	CustomerID     string     `gorm:"type:char(36);not null;index" json:"customer_id"`
	ChannelID      string     `gorm:"type:char(36);not null;index:ux_entitlements_sub_channel,unique,priority:2" json:"channel_id"`
	ExpiresAt      *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	RevokedAt      *time.Time `gorm:"type:timestamp;default:null" json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the entitlement currently grants access.
func (e *Entitlement) IsOpen(now time.Time) bool {
	if e.RevokedAt != nil {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}
