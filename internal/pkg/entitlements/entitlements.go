package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/AccessGate/app/models"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Checker answers read-only access questions from the materialized
// entitlements. It never mutates state.
type Checker struct {
	db  *gorm.DB
	now func() time.Time
}

func NewChecker(db *gorm.DB) *Checker {
	return &Checker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// HasAccess reports whether the customer holds an open entitlement for the channel.
func (c *Checker) HasAccess(ctx context.Context, customerID, channelID string) (bool, error) {
	var list []models.Entitlement
	err := c.db.WithContext(ctx).
		Where("customer_id = ? AND channel_id = ? AND revoked_at IS NULL", customerID, channelID).
		Find(&list).Error
	if err != nil {
		return false, fmt.Errorf("load entitlements: %w", err)
	}
	now := c.now()
	for i := range list {
		if list[i].IsOpen(now) {
			return true, nil
		}
	}
	return false, nil
}

// ActiveEntitlements returns the customer's open entitlements ordered by channel.
func (c *Checker) ActiveEntitlements(ctx context.Context, customerID string) ([]models.Entitlement, error) {
	var list []models.Entitlement
	err := c.db.WithContext(ctx).
		Where("customer_id = ? AND revoked_at IS NULL", customerID).
		Order("channel_id ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("load entitlements: %w", err)
	}
	now := c.now()
	open := list[:0]
	for _, e := range list {
		if e.IsOpen(now) {
			open = append(open, e)
		}
	}
	return open, nil
}

// SubscriptionView is the operator view of one subscription.
type SubscriptionView struct {
	Subscription models.Subscription   `json:"subscription"`
	Channels     []models.ChannelAccess `json:"channels"`
	Entitlements []models.Entitlement   `json:"entitlements"`
	InGrace      bool                   `json:"in_grace"`
	HasAccess    bool                   `json:"has_access"`
}

// Subscription loads a subscription with its channel rows and entitlements.
func (c *Checker) Subscription(ctx context.Context, subscriptionID string) (*SubscriptionView, error) {
	db := c.db.WithContext(ctx)

	var view SubscriptionView
	if err := db.Where("id = ?", subscriptionID).First(&view.Subscription).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if err := db.Where("subscription_id = ?", subscriptionID).Order("channel_id ASC").Find(&view.Channels).Error; err != nil {
		return nil, fmt.Errorf("load channel access: %w", err)
	}
	if err := db.Where("subscription_id = ?", subscriptionID).Order("channel_id ASC").Find(&view.Entitlements).Error; err != nil {
		return nil, fmt.Errorf("load entitlements: %w", err)
	}

	now := c.now()
	view.InGrace = view.Subscription.InGrace(now)
	for i := range view.Entitlements {
		if view.Entitlements[i].IsOpen(now) {
			view.HasAccess = true
			break
		}
	}
	return &view, nil
}
