package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

// EventStore persists every accepted webhook exactly once per
// (provider, external id).
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates an event store backed by GORM.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Record inserts the event unless it exists and returns the stored row.
// created is false for a redelivery.
func (s *EventStore) Record(ctx context.Context, ev *access.Event) (bool, *models.PaymentEvent, error) {
	row := &models.PaymentEvent{
		Provider:      ev.Provider,
		ExternalID:    ev.ExternalID,
		ProviderType:  ev.ProviderType,
		CanonicalType: ev.Type,
		OccurredAt:    ev.OccurredAt,
		RawPayload:    string(ev.RawPayload),
	}

	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "external_id"},
		},
		DoNothing: true,
	}).Create(row)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentEvent
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", ev.Provider, ev.ExternalID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// Get loads a stored event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*models.PaymentEvent, error) {
	var row models.PaymentEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &row, nil
}

// MarkFailed stores why an event could not be reconciled. The event stays
// unprocessed so a redelivery or a reprocess retries it.
func (s *EventStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	updates := map[string]interface{}{
		"processing_error": msg,
		"attempts":         gorm.Expr("attempts + 1"),
	}
	return s.db.WithContext(ctx).Model(&models.PaymentEvent{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(updates).Error
}

// ListFailed returns unprocessed events that carry a processing error,
// oldest first.
func (s *EventStore) ListFailed(ctx context.Context, limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.PaymentEvent
	err := s.db.WithContext(ctx).
		Where("processed_at IS NULL AND processing_error <> ''").
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
