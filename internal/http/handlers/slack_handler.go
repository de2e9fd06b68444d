// Package handlers - Slack events endpoint.
//
// This file implements the receiving end of the Slack Events API. The
// endpoint has a hard acknowledgement deadline (Slack retries deliveries that
// do not get a 2xx within 3 seconds), so the handler does the minimum
// inline: verify, classify, and either mutate channel lifecycle state or
// enqueue the event for the background workers. Ticket API calls never
// happen on this path.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/http/middleware"
	"github.com/threadsync/go-ticket-bridge/internal/queue"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/services"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
)

// SlackHandler serves POST /slack/events.
type SlackHandler struct {
	DB       *gorm.DB
	Queue    queue.Sender
	Channels *services.ChannelService

	// MessageQueueName and FileQueueName are the queue names jobs are
	// published to.
	MessageQueueName string
	FileQueueName    string

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

// NewSlackHandler constructs a SlackHandler.
func NewSlackHandler(db *gorm.DB, q queue.Sender, channels *services.ChannelService, messageQueue, fileQueue string) *SlackHandler {
	return &SlackHandler{
		DB:               db,
		Queue:            q,
		Channels:         channels,
		MessageQueueName: messageQueue,
		FileQueueName:    fileQueue,
	}
}

func (h *SlackHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Events handles a Slack Events API delivery.
//
// Outcomes:
//   - url_verification: echo the challenge (Slack endpoint handshake)
//   - unparseable body: 400, Slack gives up on malformed payloads
//   - unknown workspace or ignored event: 200 ack, nothing to do
//   - lifecycle events: applied inline, 500 on storage failure so Slack
//     redelivers
//   - message / file_share events: published to the worker queues, 500 on
//     enqueue failure so Slack redelivers
func (h *SlackHandler) Events(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	// The signature middleware buffers the body; fall back to reading it
	// directly when verification is disabled (dev mode).
	body := middleware.RawBody(c)
	if body == nil {
		var rerr error
		if body, rerr = c.GetRawData(); rerr != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
			return
		}
	}

	env, err := slack.ParseEnvelope(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unparseable event payload")
		return
	}

	if env.Type == slack.TypeURLVerification {
		ok(c, http.StatusOK, gin.H{"challenge": env.Challenge})
		return
	}
	if env.Type != slack.TypeEventCallback || env.Event == nil {
		ack(c)
		return
	}

	conn, err := repo.GetConnectionByTeam(c.Request.Context(), h.DB, env.TeamID)
	if err != nil {
		// Unknown workspaces happen when an uninstall raced an in-flight
		// delivery. Retrying cannot help, so acknowledge.
		lg.Warn().Str("team_id", env.TeamID).Msg("event for unknown workspace dropped")
		ack(c)
		return
	}

	route := services.ClassifyChatEvent(conn, env.Event, h.now())
	services.CountClassified(route)

	switch route {
	case services.RouteLifecycle:
		if err := h.Channels.Dispatch(c.Request.Context(), conn, env.Event); err != nil {
			lg.Error().Err(err).Str("event_type", env.Event.Type).Msg("lifecycle event failed")
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "lifecycle update failed")
			return
		}
		ack(c)

	case services.RouteMessageQueue:
		job := services.MessageJob{TeamID: env.TeamID, Event: *env.Event}
		if err := h.Queue.Send(c.Request.Context(), h.MessageQueueName, job); err != nil {
			lg.Error().Err(err).Msg("message enqueue failed")
			fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, "could not enqueue event")
			return
		}
		ack(c)

	case services.RouteFileQueue:
		job := services.FileJob{TeamID: env.TeamID, Event: *env.Event}
		if err := h.Queue.Send(c.Request.Context(), h.FileQueueName, job); err != nil {
			lg.Error().Err(err).Msg("file enqueue failed")
			fail(c, http.StatusInternalServerError, ErrCodeEnqueueFailed, "could not enqueue event")
			return
		}
		ack(c)

	case services.RouteUIRefresh:
		// Home-tab refreshes carry no synchronizable content; the ack alone
		// keeps Slack happy.
		lg.Debug().Str("user", env.Event.User).Msg("ui refresh event")
		ack(c)

	default:
		ack(c)
	}
}
