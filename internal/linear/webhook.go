package linear

import (
	"encoding/json"
	"time"
)

// Actor is the user (or app) that caused a webhook event.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// WebhookEvent is the envelope Linear posts to the webhook endpoint. Data
// is kept raw; the handler decodes it based on Type.
type WebhookEvent struct {
	Action         string          `json:"action"` // create, update, remove
	Type           string          `json:"type"`   // Issue, Comment, ...
	Actor          *Actor          `json:"actor"`
	Data           json.RawMessage `json:"data"`
	OrganizationID string          `json:"organizationId"`
	WebhookID      string          `json:"webhookId"`
	CreatedAt      time.Time       `json:"createdAt"`
	URL            string          `json:"url,omitempty"`
}
