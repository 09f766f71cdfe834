package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/metrics"
)

// ContextResolver maps events to internal scope.
type ContextResolver interface {
	Resolve(ctx context.Context, ev *access.Event) (access.Context, error)
}

// Reconciler applies events to subscriptions.
type Reconciler interface {
	Reconcile(ctx context.Context, ev *access.Event, rc access.Context) (*access.Outcome, error)
}

// Result is the acknowledgement of one ingested or reprocessed event.
type Result struct {
	EventID    string          `json:"event_id,omitempty"`
	Duplicate  bool            `json:"duplicate,omitempty"`
	Ignored    bool            `json:"ignored,omitempty"`
	Unresolved bool            `json:"unresolved,omitempty"`
	Error      string          `json:"error,omitempty"`
	Outcome    *access.Outcome `json:"outcome,omitempty"`
}

func (r *Result) outcome() string {
	switch {
	case r.Ignored:
		return "ignored"
	case r.Duplicate:
		return "duplicate"
	case r.Unresolved:
		return "unresolved"
	case r.Error != "":
		return "failed"
	default:
		return "processed"
	}
}

// ReprocessEntry is the audit record of one operator reprocess request.
// res may be nil when err is set.
func ReprocessEntry(actor, correlationID, eventID string, res *Result, err error) audit.Entry {
	entry := audit.Entry{
		Actor:         actor,
		Action:        audit.ActionEventReprocessed,
		CorrelationID: correlationID,
		Details:       map[string]interface{}{"event_id": eventID},
	}
	if err != nil || res == nil {
		return entry.WithOutcome("", err)
	}
	entry.Details["duplicate"] = res.Duplicate
	entry.Details["unresolved"] = res.Unresolved
	if res.Error != "" {
		entry.Details["error"] = res.Error
	}
	if res.Outcome != nil {
		entry.SubscriptionID = res.Outcome.SubscriptionID
	}
	return entry.WithOutcome(res.outcome(), nil)
}

// Pipeline runs verify, normalize, record, resolve and reconcile for every
// webhook delivery.
type Pipeline struct {
	providers  map[string]Provider
	store      *EventStore
	resolver   ContextResolver
	reconciler Reconciler
}

func NewPipeline(store *EventStore, resolver ContextResolver, reconciler Reconciler, providers ...Provider) *Pipeline {
	p := &Pipeline{
		providers:  make(map[string]Provider, len(providers)),
		store:      store,
		resolver:   resolver,
		reconciler: reconciler,
	}
	for _, provider := range providers {
		p.providers[provider.Name()] = provider
	}
	return p
}

// Ingest handles one delivery. A returned error rejects the delivery; every
// event that reached the store is acknowledged, even if reconciling it failed.
func (p *Pipeline) Ingest(ctx context.Context, providerName string, body []byte, header http.Header) (res *Result, err error) {
	started := time.Now()
	name := strings.ToLower(strings.TrimSpace(providerName))
	defer func() {
		outcome := "rejected"
		if err == nil {
			outcome = res.outcome()
		}
		metrics.ObserveWebhook(name, outcome, started)
	}()

	provider, ok := p.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	if !provider.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	if err := provider.Verify(body, header); err != nil {
		log.Warnf("[Webhook] %s signature rejected: %v", name, err)
		return nil, err
	}

	ev, err := provider.Parse(body, provider.Delivery(header))
	if err != nil {
		if errors.Is(err, ErrIgnoredEvent) {
			log.Debugf("[Webhook] %s: %v", name, err)
			return &Result{Ignored: true}, nil
		}
		return nil, err
	}

	created, stored, err := p.store.Record(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	if !created {
		log.Infof("[Webhook] %s event %s redelivered", name, ev.ExternalID)
	}
	if stored.IsProcessed() {
		return &Result{EventID: stored.ID, Duplicate: true}, nil
	}
	return p.process(ctx, ev, stored), nil
}

// Reprocess re-runs resolution and reconciliation for a stored event from
// its raw payload. The signature was checked at receipt.
func (p *Pipeline) Reprocess(ctx context.Context, eventID string) (*Result, error) {
	stored, err := p.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if stored.IsProcessed() {
		return &Result{EventID: stored.ID, Duplicate: true}, nil
	}

	provider, ok := p.providers[stored.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, stored.Provider)
	}
	ev, err := provider.Parse([]byte(stored.RawPayload), Delivery{
		Type:       stored.ProviderType,
		ID:         stored.ExternalID,
		ReceivedAt: stored.OccurredAt,
	})
	if err != nil {
		return nil, err
	}
	if ev.ExternalID != stored.ExternalID {
		return nil, fmt.Errorf("%w: stored id %s does not match payload id %s", ErrMalformedPayload, stored.ExternalID, ev.ExternalID)
	}
	return p.process(ctx, ev, stored), nil
}

func (p *Pipeline) process(ctx context.Context, ev *access.Event, stored *models.PaymentEvent) *Result {
	res := &Result{EventID: stored.ID}

	rc, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		res.Error = err.Error()
		res.Unresolved = errors.Is(err, ErrContextNotFound)
		log.Warnf("[Webhook] %s event %s not resolved: %v", ev.Provider, ev.ExternalID, err)
		p.markFailed(ctx, stored.ID, err)
		return res
	}

	outcome, err := p.reconciler.Reconcile(ctx, ev, rc)
	if err != nil {
		res.Error = err.Error()
		log.Errorf("[Webhook] %s event %s reconcile failed: %v", ev.Provider, ev.ExternalID, err)
		p.markFailed(ctx, stored.ID, err)
		return res
	}
	res.Outcome = outcome
	res.Duplicate = outcome.Duplicate
	return res
}

func (p *Pipeline) markFailed(ctx context.Context, id string, cause error) {
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), id, cause); err != nil {
		log.Errorf("[Webhook] Failed to store processing error for event %s: %v", id, err)
	}
}

// Store exposes the event store for operator reads.
func (p *Pipeline) Store() *EventStore {
	return p.store
}
