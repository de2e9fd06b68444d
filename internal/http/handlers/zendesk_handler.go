// Package handlers - Zendesk webhook endpoint.
//
// This file implements the ticket-to-chat direction: a Zendesk trigger posts
// every new public comment here, and the handler authenticates the caller,
// classifies the payload (anti-echo, merge notices, correlation id validity),
// and relays accepted comments into the originating Slack thread. Status
// codes are chosen for Zendesk's retry behavior: 4xx means the delivery is
// hopeless and must not be retried, 5xx means try again.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/http/middleware"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/services"
	"github.com/threadsync/go-ticket-bridge/internal/zendesk"
)

// ZendeskHandler serves POST /zendesk/webhook.
type ZendeskHandler struct {
	DB    *gorm.DB
	Relay *services.RelayService
}

// NewZendeskHandler constructs a ZendeskHandler.
func NewZendeskHandler(db *gorm.DB, relay *services.RelayService) *ZendeskHandler {
	return &ZendeskHandler{DB: db, Relay: relay}
}

// Webhook handles a Zendesk trigger delivery.
//
// The caller authenticates with the per-connection bearer token that was
// embedded in the trigger definition at install time. An unknown token is a
// 401; a payload referencing another connection's conversation is a 403.
func (h *ZendeskHandler) Webhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	token := bearerToken(c)
	if token == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing webhook token")
		return
	}
	conn, err := repo.GetConnectionByWebhookToken(c.Request.Context(), h.DB, token)
	if err != nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown webhook token")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	payload, err := zendesk.ParseWebhook(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unparseable webhook payload")
		return
	}

	decision, derr := services.ClassifyTicketEvent(payload)
	switch decision {
	case services.TicketIgnore:
		// Own echoes, private notes, and merge notices are accepted and
		// dropped.
		ack(c)
		return
	case services.TicketReject:
		lg.Warn().Err(derr).Int64("ticket_id", payload.TicketID).Msg("webhook payload rejected")
		fail(c, http.StatusUnprocessableEntity, ErrCodeBadRequest, "payload cannot be relayed")
		return
	}

	err = h.Relay.Relay(c.Request.Context(), conn, payload)
	switch {
	case err == nil:
		ack(c)
	case errors.Is(err, services.ErrConversationNotFound):
		// No conversation carries this external id; the trigger is
		// misconfigured or the row was deleted. Retrying cannot help.
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrTenantMismatch):
		lg.Warn().Int64("ticket_id", payload.TicketID).Msg("cross-tenant relay blocked")
		fail(c, http.StatusForbidden, ErrCodeForbidden, "conversation belongs to another connection")
	default:
		lg.Error().Err(err).Int64("ticket_id", payload.TicketID).Msg("relay failed")
		fail(c, http.StatusBadGateway, ErrCodeRelayFailed, "could not deliver comment to chat")
	}
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
