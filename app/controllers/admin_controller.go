package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/billing"
	"github.com/ManuelReschke/AccessGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/middleware"
)

// ManualAccess is implemented by access.Reconciler.
type ManualAccess interface {
	ManualGrant(ctx context.Context, subscriptionID string, actor access.Actor) (*access.Outcome, error)
	ManualRevoke(ctx context.Context, subscriptionID string, actor access.Actor) (*access.Outcome, error)
}

// EventReprocessor is implemented by billing.Pipeline.
type EventReprocessor interface {
	Reprocess(ctx context.Context, eventID string) (*billing.Result, error)
	Store() *billing.EventStore
}

// GraceSweeper is implemented by access.Sweeper.
type GraceSweeper interface {
	SweepExpiredGrace(ctx context.Context) (int, error)
	SweepExpiredAccess(ctx context.Context) (int, error)
}

// QueueSet resolves a queue by direction; jobqueue.Manager implements it.
type QueueSet interface {
	Queue(direction jobqueue.Direction) *jobqueue.Queue
	Queues() []*jobqueue.Queue
}

// AdminDeps bundles the collaborators of the operator endpoints.
type AdminDeps struct {
	Access       ManualAccess
	Events       EventReprocessor
	Sweeper      GraceSweeper
	Queues       QueueSet
	StateChecker jobqueue.StateChecker
	Entitlements *entitlements.Checker
	Recorder     audit.Recorder
}

// AdminController serves the operator API. Every mutating call is audited
// with the actor from the admin token and the request id.
type AdminController struct {
	deps AdminDeps
}

func NewAdminController(deps AdminDeps) *AdminController {
	if deps.Recorder == nil {
		deps.Recorder = audit.Nop{}
	}
	return &AdminController{deps: deps}
}

type manualAccessRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type failedEventsQuery struct {
	Limit int `query:"limit" validate:"omitempty,min=1,max=500"`
}

func actorOf(c *fiber.Ctx) access.Actor {
	return access.Actor{Name: middleware.Actor(c), CorrelationID: middleware.RequestID(c)}
}

// HandleGetSubscription returns a subscription with its channel rows and entitlements.
func (ac *AdminController) HandleGetSubscription(c *fiber.Ctx) error {
	view, err := ac.deps.Entitlements.Subscription(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, entitlements.ErrSubscriptionNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Subscription not found")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", err.Error())
	}
	return c.JSON(view)
}

// HandleCustomerEntitlements lists a customer's open entitlements.
func (ac *AdminController) HandleCustomerEntitlements(c *fiber.Ctx) error {
	list, err := ac.deps.Entitlements.ActiveEntitlements(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", err.Error())
	}
	return c.JSON(fiber.Map{"customer_id": c.Params("id"), "entitlements": list})
}

func (ac *AdminController) HandleManualGrant(c *fiber.Ctx) error {
	return ac.manualAccess(c, ac.deps.Access.ManualGrant)
}

func (ac *AdminController) HandleManualRevoke(c *fiber.Ctx) error {
	return ac.manualAccess(c, ac.deps.Access.ManualRevoke)
}

func (ac *AdminController) manualAccess(c *fiber.Ctx, fn func(context.Context, string, access.Actor) (*access.Outcome, error)) error {
	var req manualAccessRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	}

	actor := actorOf(c)
	if req.Reason != "" {
		log.Infof("[Admin] %s manual access change on %s: %s", actor.Name, c.Params("id"), req.Reason)
	}

	outcome, err := fn(c.UserContext(), c.Params("id"), actor)
	switch {
	case errors.Is(err, access.ErrAlreadySatisfied):
		return c.JSON(fiber.Map{"ok": true, "result": jobqueue.ReplayAlreadySatisfied})
	case errors.Is(err, access.ErrSubscriptionNotFound):
		return errorJSON(c, fiber.StatusNotFound, "not_found", "Subscription not found")
	case err != nil:
		log.Errorf("[Admin] Manual access change on %s failed: %v", c.Params("id"), err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", err.Error())
	}
	return c.JSON(fiber.Map{"ok": true, "result": jobqueue.ReplayRequeued, "outcome": outcome})
}

func (ac *AdminController) queueParam(c *fiber.Ctx) (*jobqueue.Queue, error) {
	direction := jobqueue.Direction(c.Params("queue"))
	if !direction.Valid() {
		return nil, errorJSON(c, fiber.StatusNotFound, "unknown_queue", "Queue must be grant or revoke")
	}
	q := ac.deps.Queues.Queue(direction)
	if q == nil {
		return nil, errorJSON(c, fiber.StatusNotFound, "unknown_queue", "Queue not running")
	}
	return q, nil
}

// HandleListDeadLetters lists the dead-letter entries of one queue.
func (ac *AdminController) HandleListDeadLetters(c *fiber.Ctx) error {
	q, errResp := ac.queueParam(c)
	if q == nil {
		return errResp
	}
	entries, err := q.ListDeadLetters(c.UserContext())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", err.Error())
	}
	return c.JSON(fiber.Map{"queue": q.Direction(), "dead_letters": entries})
}

// HandleReplayDeadLetter re-drives one dead-lettered job.
func (ac *AdminController) HandleReplayDeadLetter(c *fiber.Ctx) error {
	q, errResp := ac.queueParam(c)
	if q == nil {
		return errResp
	}
	dlqID := c.Params("jobId")

	result, err := q.Replay(c.UserContext(), dlqID, ac.deps.StateChecker)

	actor := actorOf(c)
	audit.BestEffort(c.UserContext(), ac.deps.Recorder, audit.Entry{
		Actor:         actor.Name,
		Action:        audit.ActionDeadLetterReplay,
		CorrelationID: actor.CorrelationID,
		JobID:         dlqID,
		Details:       map[string]interface{}{"queue": string(q.Direction())},
	}.WithOutcome(string(result), err))

	if err != nil {
		if errors.Is(err, jobqueue.ErrDeadLetterNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Dead letter not found")
		}
		log.Errorf("[Admin] Replay of %s failed: %v", dlqID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "replay_failed", err.Error())
	}
	return c.JSON(fiber.Map{"ok": true, "result": result})
}

// HandleQueueStats returns counters and depths of every queue.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	var out []jobqueue.Stats
	for _, q := range ac.deps.Queues.Queues() {
		stats, err := q.Stats(c.UserContext())
		if err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", err.Error())
		}
		out = append(out, stats)
	}
	return c.JSON(fiber.Map{"queues": out})
}

// HandleListFailedEvents lists stored events that are not processed yet.
func (ac *AdminController) HandleListFailedEvents(c *fiber.Ctx) error {
	var q failedEventsQuery
	if err := parseQuery(c, &q); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	events, err := ac.deps.Events.Store().ListFailed(c.UserContext(), q.Limit)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", err.Error())
	}
	return c.JSON(fiber.Map{"events": summarizeEvents(events)})
}

type eventSummary struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	ExternalID      string `json:"external_id"`
	Type            string `json:"canonical_type"`
	ProcessingError string `json:"processing_error,omitempty"`
	Attempts        int    `json:"attempts"`
}

func summarizeEvents(events []models.PaymentEvent) []eventSummary {
	out := make([]eventSummary, 0, len(events))
	for _, ev := range events {
		out = append(out, eventSummary{
			ID:              ev.ID,
			Provider:        ev.Provider,
			ExternalID:      ev.ExternalID,
			Type:            string(ev.CanonicalType),
			ProcessingError: ev.ProcessingError,
			Attempts:        ev.Attempts,
		})
	}
	return out
}

// HandleReprocessEvent re-runs resolution and reconciliation for a stored event.
func (ac *AdminController) HandleReprocessEvent(c *fiber.Ctx) error {
	eventID := c.Params("id")
	res, err := ac.deps.Events.Reprocess(c.UserContext(), eventID)

	actor := actorOf(c)
	audit.BestEffort(c.UserContext(), ac.deps.Recorder, billing.ReprocessEntry(actor.Name, actor.CorrelationID, eventID, res, err))

	if err != nil {
		if errors.Is(err, billing.ErrEventNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Event not found")
		}
		return errorJSON(c, fiber.StatusUnprocessableEntity, "reprocess_failed", err.Error())
	}
	return c.JSON(fiber.Map{"ok": res.Error == "", "result": res})
}

// HandleGraceSweep runs both sweeps once.
func (ac *AdminController) HandleGraceSweep(c *fiber.Ctx) error {
	ctx := c.UserContext()
	graceExpired, graceErr := ac.deps.Sweeper.SweepExpiredGrace(ctx)
	accessExpired, accessErr := ac.deps.Sweeper.SweepExpiredAccess(ctx)

	actor := actorOf(c)
	audit.BestEffort(ctx, ac.deps.Recorder, audit.Entry{
		Actor:         actor.Name,
		Action:        audit.ActionGraceSweep,
		CorrelationID: actor.CorrelationID,
		Details:       map[string]interface{}{"grace_expired": graceExpired, "access_expired": accessExpired},
	})

	if err := errors.Join(graceErr, accessErr); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":          "sweep_failed",
			"message":        err.Error(),
			"grace_expired":  graceExpired,
			"access_expired": accessExpired,
		})
	}
	return c.JSON(fiber.Map{"ok": true, "grace_expired": graceExpired, "access_expired": accessExpired})
}
