package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/AccessGate/internal/pkg/billing"
)

type fakeIngester struct {
	res    *billing.Result
	err    error
	body   []byte
	header http.Header
}

func (f *fakeIngester) Ingest(_ context.Context, _ string, body []byte, header http.Header) (*billing.Result, error) {
	f.body = body
	f.header = header
	return f.res, f.err
}

func newWebhookApp(ingester WebhookIngester) *fiber.App {
	app := fiber.New()
	app.Post("/webhooks/:provider", NewWebhookController(ingester).HandleWebhook)
	return app
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandleWebhook_Acknowledges(t *testing.T) {
	ingester := &fakeIngester{res: &billing.Result{EventID: "ev-1", Duplicate: true}}
	app := newWebhookApp(ingester)

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "ev-1", body["event_id"])
	assert.Equal(t, true, body["duplicate"])

	assert.Equal(t, `{"id":"evt_1"}`, string(ingester.body))
	assert.Equal(t, "t=1,v1=abc", ingester.header.Get("Stripe-Signature"))
}

func TestHandleWebhook_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: paypal", billing.ErrUnknownProvider), fiber.StatusNotFound, "unknown_provider"},
		{billing.ErrProviderNotConfigured, fiber.StatusServiceUnavailable, "provider_not_configured"},
		{billing.ErrInvalidSignature, fiber.StatusBadRequest, "invalid_signature"},
		{fmt.Errorf("%w: bad json", billing.ErrMalformedPayload), fiber.StatusBadRequest, "invalid_payload"},
		{errors.New("record event: db down"), fiber.StatusInternalServerError, "webhook_persist_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			app := newWebhookApp(&fakeIngester{err: tt.err})
			resp, err := app.Test(httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader("{}")))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeBody(t, resp)["error"])
		})
	}
}
