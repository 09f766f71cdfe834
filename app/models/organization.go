package models

import "time"

// Organization owns plans, channels and subscriptions.
type Organization struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(150);not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Plan is a sellable product. Non-recurring plans grant access for
// AccessDurationDays after the purchase.
type Plan struct {
	ID                 string    `gorm:"type:char(36);primaryKey" json:"id"`
	OrganizationID     string    `gorm:"type:char(36);not null;index" json:"organization_id"`
	Name               string    `gorm:"type:varchar(150);not null" json:"name"`
	Recurring          bool      `gorm:"not null" json:"recurring"`
	AccessDurationDays *int      `gorm:"default:null" json:"access_duration_days,omitempty"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Channel is a gated chat whose membership is controlled by the bot.
type Channel struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:char(36);not null;index" json:"organization_id"`
	Title          string    `gorm:"type:varchar(200);default:''" json:"title"`
	ExternalChatID string    `gorm:"type:varchar(64);not null;index" json:"external_chat_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PlanChannel links a plan to the channels it unlocks.
type PlanChannel struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	PlanID    string    `gorm:"type:char(36);not null;index:ux_plan_channels_plan_channel,unique,priority:1" json:"plan_id"`
	ChannelID string    `gorm:"type:char(36);not null;index:ux_plan_channels_plan_channel,unique,priority:2" json:"channel_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Customer is the paying end user and their chat identity.
type Customer struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:char(36);not null;index" json:"organization_id"`
	Email          string    `gorm:"type:varchar(200);default:''" json:"email"`
	ExternalUserID string    `gorm:"type:varchar(64);not null;index" json:"external_user_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
