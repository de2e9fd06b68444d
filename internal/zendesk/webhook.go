// Package zendesk - inbound webhook payload.
package zendesk

import "encoding/json"

// WebhookPayload is the trigger payload Zendesk posts when a ticket gains a
// comment. The field set is defined by the trigger template installed in the
// Zendesk account; ExternalID is the correlating id this service stamped on
// the ticket at creation time.
type WebhookPayload struct {
	ExternalID            string `json:"external_id"`
	Message               string `json:"message"`
	CurrentUserEmail      string `json:"current_user_email"`
	CurrentUserExternalID string `json:"current_user_external_id"`
	IsPublic              bool   `json:"is_public"`
	TicketID              int64  `json:"ticket_id,string"`
	LastUpdatedAt         string `json:"last_updated_at"`
	CreatedAt             string `json:"created_at"`
}

// ParseWebhook decodes the raw webhook body.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
