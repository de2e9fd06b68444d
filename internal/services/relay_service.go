// Package services - RelayService
//
// This file implements the ticket-to-chat half of the sync engine: a public
// Zendesk comment (already classified as relayable) is resolved to its
// conversation, tenant isolation is enforced against the webhook's
// authentication context, and the comment is posted as a threaded Slack
// reply under the resolved agent identity.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
	"github.com/threadsync/go-ticket-bridge/internal/zendesk"
)

// RelayService posts Zendesk agent comments into Slack threads.
type RelayService struct {
	DB   *gorm.DB
	Chat ChatAPI

	// Now is a test seam; defaults to time.Now.
	Now func() time.Time
}

// Relay delivers one classified ticket comment into its Slack thread.
//
// Error contract (mapped to HTTP by the webhook handler):
//   - ErrConversationNotFound / ErrMissingExternalID: client error, not
//     retryable.
//   - ErrTenantMismatch: unauthorized.
//   - lapsed subscription: nil - the comment is accepted and dropped so
//     lapsed billing never surfaces as sync failures in Zendesk.
//   - anything else: retryable; Zendesk redelivers.
func (s *RelayService) Relay(ctx context.Context, conn *domain.Connection, p *zendesk.WebhookPayload) error {
	tr := otel.Tracer("services/RelayService")
	ctx, span := tr.Start(ctx, "Relay",
		trace.WithAttributes(attribute.String("zendesk.external_id", p.ExternalID)),
	)
	defer span.End()

	conv, err := repo.FindByTicketExternalID(ctx, s.DB, p.ExternalID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}

	channel, err := repo.GetChannel(ctx, s.DB, conv.ChannelID)
	if err != nil {
		return err
	}

	// Cross-tenant isolation: the webhook authenticated as conn; the
	// conversation must belong to it.
	if channel.ConnectionID != conn.ID {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("conversation_id", conv.ID).
			Msg("tenant mismatch on relay")
		return ErrTenantMismatch
	}

	if !conn.SubscriptionActive(s.nowUTC()) {
		// Accepted and dropped: the ticketing side should not see failures
		// for lapsed billing.
		return nil
	}

	text := ZendeskToSlack(p.Message)
	if text == "" {
		return nil
	}

	params := slack.PostMessageParams{
		Channel:  channel.SlackID,
		ThreadTS: conv.RootTS,
		Text:     text,
	}

	// Resolve the commenting agent's Slack identity for display name and
	// avatar; relaying proceeds without the override when lookup fails.
	if p.CurrentUserEmail != "" {
		if agent, lerr := s.Chat.LookupUserByEmail(ctx, conn.BotToken, p.CurrentUserEmail); lerr == nil {
			params.Username = agent.DisplayLabel()
			params.IconURL = agent.Profile.Image72
		} else if !errors.Is(lerr, slack.ErrUserNotFound) {
			log.Warn().Err(lerr).Msg("agent identity lookup failed")
		}
	}

	if _, err := s.Chat.PostMessage(ctx, conn.BotToken, params); err != nil {
		return err
	}
	relaysDelivered.Inc()
	touchActivity(ctx, s.DB, channel.ID, s.nowUTC())
	return nil
}

func (s *RelayService) nowUTC() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
