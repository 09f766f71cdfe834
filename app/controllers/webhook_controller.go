package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/AccessGate/internal/pkg/billing"
)

const webhookTimeout = 15 * time.Second

// WebhookIngester is the part of billing.Pipeline the webhook endpoint uses.
type WebhookIngester interface {
	Ingest(ctx context.Context, provider string, body []byte, header http.Header) (*billing.Result, error)
}

// WebhookController receives payment provider deliveries.
type WebhookController struct {
	pipeline WebhookIngester
}

func NewWebhookController(pipeline WebhookIngester) *WebhookController {
	return &WebhookController{pipeline: pipeline}
}

// HandleWebhook acknowledges every delivery that reached the event store.
// Only deliveries that could not be stored get a 5xx so the provider retries.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	header := http.Header(c.GetReqHeaders())

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := wc.pipeline.Ingest(ctx, c.Params("provider"), rawBody, header)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUnknownProvider):
			return errorJSON(c, fiber.StatusNotFound, "unknown_provider", err.Error())
		case errors.Is(err, billing.ErrProviderNotConfigured):
			return errorJSON(c, fiber.StatusServiceUnavailable, "provider_not_configured", err.Error())
		case errors.Is(err, billing.ErrInvalidSignature):
			return errorJSON(c, fiber.StatusBadRequest, "invalid_signature", "Signature verification failed")
		case errors.Is(err, billing.ErrMalformedPayload):
			return errorJSON(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
		default:
			log.Errorf("[Webhook] Failed to record %s delivery: %v", c.Params("provider"), err)
			return errorJSON(c, fiber.StatusInternalServerError, "webhook_persist_failed", "Event could not be recorded")
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":         true,
		"event_id":   res.EventID,
		"duplicate":  res.Duplicate,
		"ignored":    res.Ignored,
		"unresolved": res.Unresolved,
	})
}
