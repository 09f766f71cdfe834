package billing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/AccessGate/app/models"
)

const patreonMemberPayload = `{
	"data": {
		"id": "m_123",
		"type": "member",
		"attributes": { "patron_status": "%s", "is_follower": false, "next_charge_date": "2026-04-01T00:00:00.000+00:00" },
		"relationships": {
			"user": { "data": { "id": "u_456", "type": "user" } },
			"campaign": { "data": { "id": "camp_9", "type": "campaign" } },
			"currently_entitled_tiers": {
				"data": [
					{ "id": "tier_a", "type": "tier" },
					{ "id": "tier_b", "type": "tier" }
				]
			}
		}
	}
}`

func patreonBody(status string) []byte {
	return []byte(strings.Replace(patreonMemberPayload, "%s", status, 1))
}

func signPatreon(body []byte, secret string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPatreonCanonicalType(t *testing.T) {
	tests := []struct {
		trigger string
		status  string
		want    models.EventType
		ok      bool
	}{
		{"members:create", "", models.EventSubscriptionCreated, true},
		{"members:pledge:create", "active_patron", models.EventSubscriptionCreated, true},
		{"members:update", "active_patron", models.EventSubscriptionUpdated, true},
		{"members:pledge:update", "declined_patron", models.EventInvoicePaymentFailed, true},
		{"members:update", "former_patron", models.EventSubscriptionCanceled, true},
		{"members:update", "", "", false},
		{"members:delete", "former_patron", models.EventSubscriptionCanceled, true},
		{"posts:publish", "", "", false},
	}

	for _, tt := range tests {
		got, ok := PatreonCanonicalType(tt.trigger, tt.status)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("PatreonCanonicalType(%q, %q) = (%q, %v), want (%q, %v)", tt.trigger, tt.status, got, ok, tt.want, tt.ok)
		}
	}
}

func TestVerifyPatreonWebhookSignature(t *testing.T) {
	payload := []byte(`{"foo":"bar"}`)
	secret := "top-secret"

	validSig := signPatreon(payload, secret)
	if !VerifyPatreonWebhookSignature(payload, validSig, secret) {
		t.Fatalf("expected signature to validate")
	}

	macSHA256 := hmac.New(sha256.New, []byte(secret))
	macSHA256.Write(payload)
	validSHA256 := hex.EncodeToString(macSHA256.Sum(nil))
	if !VerifyPatreonWebhookSignature(payload, validSHA256, secret) {
		t.Fatalf("expected sha256 fallback signature to validate")
	}
	if VerifyPatreonWebhookSignature(payload, "deadbeef", secret) {
		t.Fatalf("expected invalid signature to fail")
	}
	if VerifyPatreonWebhookSignature(payload, validSig, "") {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestParsePatreonWebhookMemberEvent(t *testing.T) {
	ev, err := ParsePatreonWebhookMemberEvent(patreonBody("active_patron"))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.MemberID != "m_123" || ev.PatreonUserID != "u_456" || ev.CampaignID != "camp_9" {
		t.Fatalf("unexpected ids: member=%q user=%q campaign=%q", ev.MemberID, ev.PatreonUserID, ev.CampaignID)
	}
	if len(ev.TierIDs) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(ev.TierIDs))
	}
	if ev.NextChargeDate == nil || ev.NextChargeDate.Month() != 4 {
		t.Fatalf("expected next charge date, got %v", ev.NextChargeDate)
	}

	if _, err := ParsePatreonWebhookMemberEvent([]byte(`{"data":{"id":"x","type":"post"}}`)); err == nil {
		t.Fatalf("expected non-member payload to fail")
	}
}

func TestPatreonProvider_Parse(t *testing.T) {
	p := NewPatreonProvider("secret")
	header := http.Header{}
	header.Set("X-Patreon-Event", "members:update")

	ev, err := p.Parse(patreonBody("declined_patron"), p.Delivery(header))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPatreon, ev.Provider)
	assert.Equal(t, models.EventInvoicePaymentFailed, ev.Type)
	assert.Equal(t, "m_123", ev.ProviderSubscriptionID)
	assert.Equal(t, "camp_9", ev.ProviderAccountID)
	assert.True(t, strings.HasPrefix(ev.ExternalID, "hash:"), "falls back to body hash")

	// Same body, same identity
	again, err := p.Parse(patreonBody("declined_patron"), p.Delivery(header))
	require.NoError(t, err)
	assert.Equal(t, ev.ExternalID, again.ExternalID)

	header.Set("X-Patreon-Delivery", "dlv_1")
	withID, err := p.Parse(patreonBody("declined_patron"), p.Delivery(header))
	require.NoError(t, err)
	assert.Equal(t, "dlv_1", withID.ExternalID)
}

func TestPatreonProvider_IgnoredAndMalformed(t *testing.T) {
	p := NewPatreonProvider("secret")

	_, err := p.Parse(patreonBody("active_patron"), Delivery{Type: "posts:publish"})
	assert.True(t, errors.Is(err, ErrIgnoredEvent))

	_, err = p.Parse(patreonBody("active_patron"), Delivery{})
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	_, err = p.Parse([]byte(`not json`), Delivery{Type: "members:create"})
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestPatreonProvider_Verify(t *testing.T) {
	p := NewPatreonProvider("secret")
	body := patreonBody("active_patron")

	header := http.Header{}
	header.Set("X-Patreon-Signature", signPatreon(body, "secret"))
	assert.NoError(t, p.Verify(body, header))

	header.Set("X-Patreon-Signature", signPatreon(body, "other"))
	assert.ErrorIs(t, p.Verify(body, header), ErrInvalidSignature)
}
