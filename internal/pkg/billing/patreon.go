package billing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

// PatreonProvider handles Patreon membership webhooks.
type PatreonProvider struct {
	secret string
}

func NewPatreonProvider(webhookSecret string) *PatreonProvider {
	return &PatreonProvider{secret: strings.TrimSpace(webhookSecret)}
}

func (p *PatreonProvider) Name() string { return models.ProviderPatreon }

func (p *PatreonProvider) Configured() bool { return p.secret != "" }

func (p *PatreonProvider) Verify(body []byte, header http.Header) error {
	if !VerifyPatreonWebhookSignature(body, header.Get("X-Patreon-Signature"), p.secret) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *PatreonProvider) Delivery(header http.Header) Delivery {
	return Delivery{
		Type:       strings.TrimSpace(header.Get("X-Patreon-Event")),
		ID:         firstHeaderValue(header, "X-Patreon-Delivery", "X-Patreon-Event-ID", "X-Patreon-Webhook-ID"),
		ReceivedAt: time.Now().UTC(),
	}
}

// Parse normalizes a Patreon member payload. The trigger comes from the
// delivery; without a delivery id the body hash identifies the event.
func (p *PatreonProvider) Parse(body []byte, d Delivery) (*access.Event, error) {
	if strings.TrimSpace(d.Type) == "" {
		return nil, fmt.Errorf("%w: missing X-Patreon-Event", ErrMalformedPayload)
	}
	member, err := ParsePatreonWebhookMemberEvent(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	canonical, ok := PatreonCanonicalType(d.Type, member.PatronStatus)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrIgnoredEvent, d.Type, member.PatronStatus)
	}

	externalID := strings.TrimSpace(d.ID)
	if externalID == "" {
		sum := sha256.Sum256(body)
		externalID = "hash:" + hex.EncodeToString(sum[:])
	}
	occurredAt := d.ReceivedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	metadata := map[string]string{}
	if member.PatronStatus != "" {
		metadata["patron_status"] = member.PatronStatus
	}
	if len(member.TierIDs) > 0 {
		metadata["tier_ids"] = strings.Join(member.TierIDs, ",")
	}

	return &access.Event{
		Provider:               models.ProviderPatreon,
		ExternalID:             externalID,
		ProviderType:           d.Type,
		Type:                   canonical,
		OccurredAt:             occurredAt,
		ProviderSubscriptionID: member.MemberID,
		ProviderCustomerID:     member.PatreonUserID,
		ProviderAccountID:      member.CampaignID,
		Metadata:               metadata,
		CurrentPeriodEnd:       member.NextChargeDate,
		RawPayload:             body,
	}, nil
}

type PatreonWebhookMemberEvent struct {
	MemberID       string
	PatreonUserID  string
	CampaignID     string
	PatronStatus   string
	IsFollower     bool
	TierIDs        []string
	NextChargeDate *time.Time
}

func ParsePatreonWebhookMemberEvent(payload []byte) (*PatreonWebhookMemberEvent, error) {
	type relData struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	type rawPayload struct {
		Data struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			Attributes struct {
				PatronStatus   string `json:"patron_status"`
				IsFollower     bool   `json:"is_follower"`
				NextChargeDate string `json:"next_charge_date"`
			} `json:"attributes"`
			Relationships struct {
				User struct {
					Data relData `json:"data"`
				} `json:"user"`
				Campaign struct {
					Data relData `json:"data"`
				} `json:"campaign"`
				CurrentlyEntitledTiers struct {
					Data []relData `json:"data"`
				} `json:"currently_entitled_tiers"`
			} `json:"relationships"`
		} `json:"data"`
		Included []struct {
			ID            string `json:"id"`
			Type          string `json:"type"`
			Relationships struct {
				CurrentlyEntitledTiers struct {
					Data []relData `json:"data"`
				} `json:"currently_entitled_tiers"`
			} `json:"relationships"`
		} `json:"included"`
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	if raw.Data.Type != "" && raw.Data.Type != "member" {
		return nil, fmt.Errorf("unsupported patreon webhook data type: %s", raw.Data.Type)
	}

	out := &PatreonWebhookMemberEvent{
		MemberID:      strings.TrimSpace(raw.Data.ID),
		PatreonUserID: strings.TrimSpace(raw.Data.Relationships.User.Data.ID),
		CampaignID:    strings.TrimSpace(raw.Data.Relationships.Campaign.Data.ID),
		PatronStatus:  strings.TrimSpace(raw.Data.Attributes.PatronStatus),
		IsFollower:    raw.Data.Attributes.IsFollower,
	}
	if s := strings.TrimSpace(raw.Data.Attributes.NextChargeDate); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t = t.UTC()
			out.NextChargeDate = &t
		}
	}
	for _, td := range raw.Data.Relationships.CurrentlyEntitledTiers.Data {
		if tid := strings.TrimSpace(td.ID); tid != "" {
			out.TierIDs = append(out.TierIDs, tid)
		}
	}

	// Fallback: some payload variants expose tiers only via included.member.
	if len(out.TierIDs) == 0 && out.MemberID != "" {
		for _, inc := range raw.Included {
			if inc.Type != "member" || strings.TrimSpace(inc.ID) != out.MemberID {
				continue
			}
			for _, td := range inc.Relationships.CurrentlyEntitledTiers.Data {
				if tid := strings.TrimSpace(td.ID); tid != "" {
					out.TierIDs = append(out.TierIDs, tid)
				}
			}
			break
		}
	}

	if out.MemberID == "" {
		return nil, errors.New("patreon webhook payload missing member id")
	}
	if out.PatreonUserID == "" {
		return nil, errors.New("patreon webhook payload missing user id")
	}
	return out, nil
}

// Patreon documents HMAC-MD5; SHA-256 is accepted for deployments that were
// configured with it.
var patreonSignatureHashes = []func() hash.Hash{md5.New, sha256.New}

func VerifyPatreonWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	for _, newHash := range patreonSignatureHashes {
		mac := hmac.New(newHash, []byte(secret))
		mac.Write(payload)
		if hmac.Equal(mac.Sum(nil), expected) {
			return true
		}
	}
	return false
}
