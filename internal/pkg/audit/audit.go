package audit

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/AccessGate/app/models"
)

// Actions written to the audit log.
const (
	ActionStatusChanged    = "subscription.status_changed"
	ActionGraceOpened      = "subscription.grace_opened"
	ActionGraceExpired     = "subscription.grace_expired"
	ActionAccessExpired    = "subscription.access_expired"
	ActionManualGrant      = "access.manual_grant"
	ActionManualRevoke     = "access.manual_revoke"
	ActionAccessGranted    = "access.granted"
	ActionAccessRevoked    = "access.revoked"
	ActionDeadLetterReplay = "queue.dead_letter_replay"
	ActionEventReprocessed = "event.reprocessed"
	ActionGraceSweep       = "sweep.grace"
)

// Entry is one audit record before persistence.
type Entry struct {
	Actor          string
	Action         string
	CorrelationID  string
	SubscriptionID string
	JobID          string
	Details        map[string]interface{}
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// GormRecorder writes entries to the audit_logs table.
type GormRecorder struct {
	db *gorm.DB
}

func NewGormRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

func (r *GormRecorder) Record(ctx context.Context, e Entry) error {
	details := ""
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = string(raw)
	}
	row := &models.AuditLog{
		Actor:          e.Actor,
		Action:         e.Action,
		CorrelationID:  e.CorrelationID,
		SubscriptionID: e.SubscriptionID,
		JobID:          e.JobID,
		Details:        details,
	}
	return r.db.WithContext(ctx).Create(row).Error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// BestEffort records e and only logs failures. Audit writes never fail the
// operation they describe.
func BestEffort(ctx context.Context, r Recorder, e Entry) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, e); err != nil {
		log.Warnf("[Audit] failed to record %s for subscription %s: %v", e.Action, e.SubscriptionID, err)
	}
}

// WithOutcome returns e with the operation's result, or its error when err
// is set, added to the details.
func (e Entry) WithOutcome(result string, err error) Entry {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	if err != nil {
		details["error"] = err.Error()
	} else if result != "" {
		details["result"] = result
	}
	e.Details = details
	return e
}
