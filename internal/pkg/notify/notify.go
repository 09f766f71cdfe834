package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Kind classifies a notification.
type Kind string

const (
	KindGraceOpened   Kind = "grace_opened"
	KindAccessGranted Kind = "access_granted"
	KindAccessRevoked Kind = "access_revoked"
)

// Notification is a customer-facing event. Rendering and delivery channel
// are the receiver's concern.
type Notification struct {
	Kind           Kind              `json:"kind"`
	OrganizationID string            `json:"organization_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	CustomerID     string            `json:"customer_id,omitempty"`
	ChannelID      string            `json:"channel_id,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier only logs notifications. Used when no delivery backend is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Infof("[Notify] %s subscription=%s customer=%s channel=%s", n.Kind, n.SubscriptionID, n.CustomerID, n.ChannelID)
	return nil
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// FireAndForget sends notifications on a background goroutine and only logs
// failures, so callers never block on or fail because of delivery.
type FireAndForget struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewFireAndForget wraps next. A non-positive timeout defaults to 10s.
func NewFireAndForget(next Notifier, timeout time.Duration) *FireAndForget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FireAndForget{next: next, timeout: timeout}
}

// Notify always returns nil.
func (f *FireAndForget) Notify(_ context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[Notify] panic delivering %s: %v", n.Kind, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := f.next.Notify(ctx, n); err != nil {
			log.Warnf("[Notify] delivery of %s for subscription %s failed: %v", n.Kind, n.SubscriptionID, err)
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finished (shutdown, tests).
func (f *FireAndForget) Wait() {
	f.wg.Wait()
}
