package models

import "time"

// Audit actors used by automated components.
const (
	ActorSystem  = "system"
	ActorSweeper = "sweeper"
	ActorWorker  = "worker"
)

// AuditLog records state transitions and operator actions.
type AuditLog struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"id"`
	Actor          string    `gorm:"type:varchar(100);not null;index" json:"actor"`
	Action         string    `gorm:"type:varchar(100);not null;index" json:"action"`
	CorrelationID  string    `gorm:"type:varchar(100);default:'';index" json:"correlation_id"`
	SubscriptionID string    `gorm:"type:char(36);default:'';index" json:"subscription_id"`
	JobID          string    `gorm:"type:varchar(191);default:''" json:"job_id"`
	Details        string    `gorm:"type:text" json:"details"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
