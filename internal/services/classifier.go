// Package services - inbound event classification.
//
// Slack emits far more event shapes than the sync engine wants to see:
// structural lifecycle notices, UI pings, bot echoes of our own relayed
// messages, topic changes. Classification filters the stream down to the
// explicitly enumerated subset that represents synchronizable human content,
// and decides which queue (if any) each event belongs on. Ineligible events
// are silently dropped - retrying would not change the outcome.
package services

import (
	"time"

	"github.com/google/uuid"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
	"github.com/threadsync/go-ticket-bridge/internal/zendesk"
)

// Route is the classification verdict for a Slack event.
type Route int

const (
	// RouteIgnore drops the event silently.
	RouteIgnore Route = iota
	// RouteMessageQueue sends the event to the message sync queue.
	RouteMessageQueue
	// RouteFileQueue sends the event to the file-upload queue; the files
	// must become Zendesk attachment tokens before the message can sync.
	RouteFileQueue
	// RouteLifecycle handles the event inline as a channel/connection
	// lifecycle mutation, bypassing ticket logic entirely.
	RouteLifecycle
	// RouteUIRefresh routes home-tab / UI interaction events to the UI
	// refresh path.
	RouteUIRefresh
)

// String implements fmt.Stringer for log and metric labels.
func (r Route) String() string {
	switch r {
	case RouteMessageQueue:
		return "message_queue"
	case RouteFileQueue:
		return "file_queue"
	case RouteLifecycle:
		return "lifecycle"
	case RouteUIRefresh:
		return "ui_refresh"
	default:
		return "ignore"
	}
}

// lifecycleEvents bypass subscription checks: a lapsed workspace still needs
// its membership flags and channel ids kept correct.
var lifecycleEvents = map[string]struct{}{
	slack.EventMemberJoined:     {},
	slack.EventChannelLeft:      {},
	slack.EventGroupLeft:        {},
	slack.EventChannelArchive:   {},
	slack.EventChannelUnarchive: {},
	slack.EventChannelRename:    {},
	slack.EventChannelIDChanged: {},
	slack.EventAppUninstalled:   {},
}

// eligibleSubtypes is the closed set of message subtypes that carry
// synchronizable content. Everything else (bot_message, channel_topic,
// channel_purpose, ...) is noise.
var eligibleSubtypes = map[string]struct{}{
	"":                          {},
	slack.SubtypeMessageReplied: {},
	slack.SubtypeMessageChanged: {},
	slack.SubtypeMessageDeleted: {},
}

// ClassifyChatEvent decides how a raw Slack event is routed. Rules in order:
// structural lifecycle events route inline regardless of subscription state;
// UI events go to the refresh path; file shares go to the file queue;
// the bot's own messages are ignored (anti-echo); eligible message subtypes
// go to the message queue; anything else is ignored. Content routes require
// an active subscription - inactive connections drop them silently.
func ClassifyChatEvent(conn *domain.Connection, ev *slack.Event, now time.Time) Route {
	if ev == nil {
		return RouteIgnore
	}
	if _, ok := lifecycleEvents[ev.Type]; ok {
		return RouteLifecycle
	}
	if ev.Type == slack.EventAppHomeOpened {
		return RouteUIRefresh
	}
	if ev.Type != slack.EventMessage {
		return RouteIgnore
	}

	// Everything below is content sync; lapsed connections see none of it.
	if conn == nil || !conn.SubscriptionActive(now) {
		return RouteIgnore
	}

	// Anti-echo: our own relayed messages come back as events.
	if ev.BotID != "" || (conn.BotUserID != "" && senderOf(ev) == conn.BotUserID) {
		return RouteIgnore
	}

	if ev.Subtype == slack.SubtypeFileShare {
		return RouteFileQueue
	}
	if _, ok := eligibleSubtypes[ev.Subtype]; ok {
		return RouteMessageQueue
	}
	return RouteIgnore
}

// senderOf returns the user id that authored the event, looking through the
// nested message on message_changed payloads.
func senderOf(ev *slack.Event) string {
	if ev.User != "" {
		return ev.User
	}
	if ev.Message != nil {
		return ev.Message.User
	}
	return ""
}

// externalUserPrefix marks Zendesk users this service created as
// counterparts of Slack authors. A ticket comment authored by such a user is
// our own append echoed back by the trigger.
const externalUserPrefix = "slack:"

// TicketDecision is the classification verdict for a Zendesk webhook call.
type TicketDecision int

const (
	// TicketIgnore acknowledges the webhook without relaying.
	TicketIgnore TicketDecision = iota
	// TicketRelay relays the comment into the Slack thread.
	TicketRelay
	// TicketReject answers with a client error; the payload is malformed
	// and retrying cannot help.
	TicketReject
)

// ClassifyTicketEvent decides whether a Zendesk comment webhook is relayed
// into Slack. Anti-echo first (comments authored by our own synthetic users),
// then the public flag, then merge system messages, then correlating-id
// validity.
func ClassifyTicketEvent(p *zendesk.WebhookPayload) (TicketDecision, error) {
	if p == nil {
		return TicketReject, ErrMissingExternalID
	}
	if len(p.CurrentUserExternalID) >= len(externalUserPrefix) &&
		p.CurrentUserExternalID[:len(externalUserPrefix)] == externalUserPrefix {
		return TicketIgnore, nil
	}
	// Internal notes stay inside Zendesk. This also covers the private
	// "(Edited)" and "(Deleted)" annotations this service writes, which are
	// authored by the authenticated API user rather than a synthetic
	// "slack:" one and would otherwise slip past the anti-echo check.
	if !p.IsPublic {
		return TicketIgnore, nil
	}
	if IsMergeNotice(p.Message) {
		return TicketIgnore, nil
	}
	if p.ExternalID == "" {
		return TicketReject, ErrMissingExternalID
	}
	if _, err := uuid.Parse(p.ExternalID); err != nil {
		return TicketReject, ErrMissingExternalID
	}
	return TicketRelay, nil
}
