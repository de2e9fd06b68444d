// Package services - SyncService
//
// This file implements the chat-to-ticket half of the sync engine: given a
// classified Slack message event delivered off the queue, resolve or create
// the correlation record and perform the create/append/reopen decision.
//
// The transport is at-least-once and unordered, so every Zendesk mutation
// carries a deterministic idempotency key derived from (channel id, message
// ts), and fully processed events are recorded in a receipt ledger that
// short-circuits redeliveries. A conversation row is only written after its
// ticket call has been confirmed successful - no partial-success commits.
//
// Observability: public entry points are OpenTelemetry-instrumented; spans
// carry channel/thread identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
	"github.com/threadsync/go-ticket-bridge/internal/queue"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
	"github.com/threadsync/go-ticket-bridge/internal/zendesk"
)

// DefaultSystemTag is stamped on every ticket this service creates.
const DefaultSystemTag = "ticket-bridge"

// MessageJob is the queue payload for a classified message event.
// AttachmentTokens is populated by the file worker before the job reaches
// the message queue.
type MessageJob struct {
	TeamID           string      `json:"team_id"`
	Event            slack.Event `json:"event"`
	AttachmentTokens []string    `json:"attachment_tokens,omitempty"`
}

// FileJob is the queue payload for a file_share message: files must become
// Zendesk attachment tokens before the message itself can sync.
type FileJob struct {
	TeamID string      `json:"team_id"`
	Event  slack.Event `json:"event"`
}

// TicketAPI is the outbound ticketing contract required by SyncService.
type TicketAPI interface {
	CreateTicket(ctx context.Context, creds zendesk.Credentials, p zendesk.CreateTicketParams) (*zendesk.Ticket, error)
	AddComment(ctx context.Context, creds zendesk.Credentials, ticketID int64, comment zendesk.Comment, idempotencyKey string) (*zendesk.Ticket, error)
	SolveTicket(ctx context.Context, creds zendesk.Credentials, ticketID int64, comment *zendesk.Comment) error
	CreateOrUpdateUser(ctx context.Context, creds zendesk.Credentials, name, externalID, email string) (*zendesk.ZendeskUser, error)
	UploadFile(ctx context.Context, creds zendesk.Credentials, filename string, data []byte) (string, error)
}

// ChatAPI is the subset of the Slack client the sync and relay paths need.
type ChatAPI interface {
	GetUserProfile(ctx context.Context, token, userID string) (*slack.User, error)
	LookupUserByEmail(ctx context.Context, token, email string) (*slack.User, error)
	GetPermalink(ctx context.Context, token, channelID, messageTS string) (string, error)
	FileInfo(ctx context.Context, token, fileID string) (*slack.File, error)
	DownloadFile(ctx context.Context, token, url string) ([]byte, error)
	PostMessage(ctx context.Context, token string, p slack.PostMessageParams) (string, error)
}

// SyncService is the chat-to-ticket sync engine. Invocations are stateless;
// concurrency comes entirely from the queue dispatching deliveries in
// parallel.
type SyncService struct {
	DB       *gorm.DB
	Tickets  TicketAPI
	Chat     ChatAPI
	Queue    queue.Sender
	Channels *ChannelService

	// MessageQueueName is where the file worker forwards jobs once
	// attachments are uploaded.
	MessageQueueName string

	// SystemTag is added to every created ticket (default DefaultSystemTag).
	SystemTag string

	// ReceiptTTL bounds the dedupe ledger; older redeliveries fall through
	// to the Zendesk-side idempotency key.
	ReceiptTTL time.Duration

	// Now is a test seam; defaults to time.Now.
	Now func() time.Time
}

func (s *SyncService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SyncService) systemTag() string {
	if s.SystemTag != "" {
		return s.SystemTag
	}
	return DefaultSystemTag
}

func (s *SyncService) receiptTTL() time.Duration {
	if s.ReceiptTTL > 0 {
		return s.ReceiptTTL
	}
	return 7 * 24 * time.Hour
}

// creds assembles per-invocation Zendesk credentials from the connection.
// Key material is scoped to the invocation and never cached.
func creds(conn *domain.Connection) zendesk.Credentials {
	return zendesk.Credentials{
		Domain: conn.ZendeskDomain,
		Email:  conn.ZendeskEmail,
		APIKey: conn.ZendeskAPIKey,
	}
}

// ProcessMessage is the queue handler entry point for message jobs. A nil
// return acknowledges the delivery; an error surfaces as a queue-level
// failure and triggers redelivery, which the idempotency keys make safe.
func (s *SyncService) ProcessMessage(ctx context.Context, job *MessageJob) error {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "ProcessMessage",
		trace.WithAttributes(
			attribute.String("slack.team", job.TeamID),
			attribute.String("slack.channel", job.Event.Channel),
			attribute.String("slack.ts", job.Event.TS),
		),
	)
	defer span.End()

	ev := &job.Event

	conn, err := repo.GetConnectionByTeam(ctx, s.DB, job.TeamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn().Str("team_id", job.TeamID).Msg("message for unknown workspace dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if !conn.SubscriptionActive(s.now()) {
		return nil
	}
	if !conn.HasZendesk() {
		// Expected during onboarding: nothing to sync to yet.
		log.Info().Str("team_id", job.TeamID).Msg("zendesk not configured; event dropped")
		return nil
	}

	channel, err := s.Channels.EnsureChannel(ctx, conn, ev.Channel, "")
	if err != nil {
		return err
	}
	if !channel.IsMember || channel.Status != domain.ChannelStatusActive {
		return nil
	}

	switch ev.Subtype {
	case slack.SubtypeMessageChanged:
		return s.handleEdit(ctx, conn, channel, ev)
	case slack.SubtypeMessageDeleted:
		return s.handleDelete(ctx, conn, channel, ev)
	}

	return s.syncMessage(ctx, conn, channel, ev, job.AttachmentTokens)
}

// syncMessage runs the core create/append decision for a plain message.
func (s *SyncService) syncMessage(ctx context.Context, conn *domain.Connection, channel *domain.Channel, ev *slack.Event, uploads []string) error {
	syncKey := domain.SyncKey(ev.Channel, ev.TS, "")
	if s.alreadyProcessed(ctx, channel.ID, syncKey) {
		return nil
	}

	// Step 1 - thread resolution: an explicit parent distinct from the
	// message's own ts makes this a reply; otherwise it is a potential root.
	rootTS := ev.TS
	isReply := ev.ThreadTS != "" && ev.ThreadTS != ev.TS
	if isReply {
		rootTS = ev.ThreadTS
	}

	// Step 2 - same-sender merge heuristic, root messages only.
	if !isReply {
		if merged := s.mergeCandidate(ctx, conn, channel, ev); merged != nil {
			rootTS = merged.RootTS
			isReply = true
			mergesApplied.Inc()
		}
	}

	// Step 3 - correlation lookup.
	conv, err := repo.FindByRootMessage(ctx, s.DB, channel.ID, rootTS)
	switch {
	case err == nil:
		// Step 4 - append.
		err = s.appendToTicket(ctx, conn, channel, conv, ev, syncKey, uploads)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Step 5 - create. A reply whose root was never synced (bot added
		// mid-thread) starts a fresh conversation anchored at the root.
		_, err = s.createTicket(ctx, conn, channel, ev, rootTS, syncKey, uploads, 0)
	default:
		return err
	}
	if err != nil {
		return err
	}

	s.recordReceipt(ctx, channel.ID, syncKey, 0)
	touchActivity(ctx, s.DB, channel.ID, s.now())
	return nil
}

// mergeCandidate returns the latest conversation in the channel when the new
// root message should be folded into it: same author, still a single-message
// thread, and within the connection's merge window. A zero window disables
// the heuristic entirely.
func (s *SyncService) mergeCandidate(ctx context.Context, conn *domain.Connection, channel *domain.Channel, ev *slack.Event) *domain.Conversation {
	window := conn.MergeWindow()
	if window <= 0 {
		return nil
	}
	latest, err := repo.LatestInChannel(ctx, s.DB, channel.ID)
	if err != nil {
		return nil
	}
	if latest.AuthorID != ev.User || latest.HasReplies() {
		return nil
	}
	rootAt, ok := parseSlackTS(latest.RootTS)
	newAt, ok2 := parseSlackTS(ev.TS)
	if !ok || !ok2 {
		return nil
	}
	if newAt.Sub(rootAt) > window {
		return nil
	}
	return latest
}

// appendToTicket formats and appends the message as a public ticket comment.
// A closed or deleted target resolves to the follow-up branch: a new ticket
// supersedes the old one on the same conversation row.
func (s *SyncService) appendToTicket(ctx context.Context, conn *domain.Connection, channel *domain.Channel, conv *domain.Conversation, ev *slack.Event, syncKey string, uploads []string) error {
	author := s.authorLabel(ctx, conn, ev.User)
	comment := zendesk.Comment{
		Body:    TicketBody(ev.Text, author, ""),
		Public:  true,
		Uploads: uploads,
	}

	_, err := s.Tickets.AddComment(ctx, creds(conn), conv.TicketID, comment, syncKey)
	if errors.Is(err, zendesk.ErrTicketClosed) {
		// The one sanctioned exception to the one-ticket-per-thread rule:
		// the closed ticket is superseded in place by a follow-up.
		newTicket, cerr := s.createTicket(ctx, conn, channel, ev, conv.RootTS, syncKey, uploads, conv.TicketID)
		if cerr != nil {
			return cerr
		}
		if uerr := repo.UpdateTicketID(ctx, s.DB, conv.ID, newTicket.ID); uerr != nil {
			return uerr
		}
		ticketsCreated.WithLabelValues("followup").Inc()
		if uerr := repo.UpdateLastSynced(ctx, s.DB, conv.ID, ev.TS); uerr != nil {
			log.Warn().Err(uerr).Str("conversation_id", conv.ID).Msg("last-synced update failed")
		}
		return nil
	}
	if err != nil {
		return err
	}

	commentsAppended.WithLabelValues("public").Inc()
	if uerr := repo.UpdateLastSynced(ctx, s.DB, conv.ID, ev.TS); uerr != nil {
		log.Warn().Err(uerr).Str("conversation_id", conv.ID).Msg("last-synced update failed")
	}
	return nil
}

// createTicket resolves the requester, opens a ticket, and - on the plain
// create path - inserts the conversation row. followUpOf is the superseded
// ticket id on the follow-up branch (0 otherwise); on that branch the
// existing row is re-pointed by the caller and no insert happens here.
func (s *SyncService) createTicket(ctx context.Context, conn *domain.Connection, channel *domain.Channel, ev *slack.Event, rootTS, syncKey string, uploads []string, followUpOf int64) (*zendesk.Ticket, error) {
	cr := creds(conn)

	profile, err := s.Chat.GetUserProfile(ctx, conn.BotToken, ev.User)
	name, email := ev.User, ""
	if err == nil {
		name, email = profile.DisplayLabel(), profile.Profile.Email
	} else {
		log.Warn().Err(err).Str("user", ev.User).Msg("slack profile lookup failed; using id")
	}

	requester, err := s.Tickets.CreateOrUpdateUser(ctx, cr, name, externalUserPrefix+ev.User, email)
	if err != nil {
		return nil, err
	}

	permalink, perr := s.Chat.GetPermalink(ctx, conn.BotToken, ev.Channel, rootTS)
	if perr != nil {
		permalink = "" // best-effort backlink
	}

	externalID := uuid.NewString()
	if followUpOf != 0 {
		// The conversation row keeps its correlating id across supersession
		// so the Zendesk trigger keeps routing to the same thread.
		if conv, ferr := repo.FindByRootMessage(ctx, s.DB, channel.ID, rootTS); ferr == nil {
			externalID = conv.ExternalID
		}
	}

	assignee := channel.AssigneeEmail
	if assignee == "" {
		assignee = conn.DefaultAssignee
	}

	ticket, err := s.Tickets.CreateTicket(ctx, cr, zendesk.CreateTicketParams{
		Subject: TicketSubject(channel.Name, ev.Text),
		Comment: zendesk.Comment{
			Body:    TicketBody(ev.Text, name, permalink),
			Public:  true,
			Uploads: uploads,
		},
		RequesterID:      requester.ID,
		ExternalID:       externalID,
		Tags:             MergeTags(channel.Tags, conn.DefaultTags, s.systemTag()),
		AssigneeEmail:    assignee,
		FollowUpSourceID: followUpOf,
		IdempotencyKey:   syncKey,
	})
	if err != nil {
		return nil, err
	}

	if followUpOf == 0 {
		_, err = repo.InsertConversation(ctx, s.DB, &domain.Conversation{
			ChannelID:    channel.ID,
			RootTS:       rootTS,
			TicketID:     ticket.ID,
			ExternalID:   externalID,
			AuthorID:     ev.User,
			LastSyncedTS: ev.TS,
		})
		if errors.Is(err, repo.ErrDuplicate) {
			// A racing delivery claimed the root first; its row holds and
			// our ticket create was deduplicated by the idempotency key.
			log.Warn().
				Str("channel_id", channel.ID).
				Str("root_ts", rootTS).
				Msg("conversation insert lost race; keeping winner")
		} else if err != nil {
			return nil, err
		}
		ticketsCreated.WithLabelValues("root").Inc()
	}
	return ticket, nil
}

// handleEdit annotates the existing conversation with a private "(Edited)"
// comment. Edits never create tickets; a missing conversation is logged and
// dropped (retrying will not materialize the row).
func (s *SyncService) handleEdit(ctx context.Context, conn *domain.Connection, channel *domain.Channel, ev *slack.Event) error {
	msg := ev.Message
	if msg == nil {
		return nil
	}
	syncKey := domain.SyncKey(ev.Channel, msg.TS, "edit-"+ev.EventTS)
	if s.alreadyProcessed(ctx, channel.ID, syncKey) {
		return nil
	}

	conv, err := s.resolveForAnnotation(ctx, channel, msg.ThreadTS, msg.TS)
	if err != nil {
		logMissingConversation(channel.ID, msg.TS, "edit")
		return nil
	}

	body := fmt.Sprintf("(Edited)\n\n%s", SlackToZendesk(msg.Text))
	_, err = s.Tickets.AddComment(ctx, creds(conn), conv.TicketID, zendesk.Comment{Body: body, Public: false}, syncKey)
	if errors.Is(err, zendesk.ErrTicketClosed) {
		// Private annotations never reopen anything; nothing to record.
		log.Info().Str("conversation_id", conv.ID).Msg("edit on closed ticket dropped")
		return nil
	}
	if err != nil {
		return err
	}
	commentsAppended.WithLabelValues("private").Inc()
	s.recordReceipt(ctx, channel.ID, syncKey, conv.TicketID)
	return nil
}

// handleDelete annotates the conversation with a private "(Deleted)"
// comment. Deleting the thread root additionally moves the ticket toward
// closed; deleting a reply leaves it open.
func (s *SyncService) handleDelete(ctx context.Context, conn *domain.Connection, channel *domain.Channel, ev *slack.Event) error {
	deletedTS := ev.DeletedTS
	var prevText, threadTS string
	if ev.PreviousMessage != nil {
		prevText = ev.PreviousMessage.Text
		threadTS = ev.PreviousMessage.ThreadTS
		if deletedTS == "" {
			deletedTS = ev.PreviousMessage.TS
		}
	}
	if deletedTS == "" {
		return nil
	}
	syncKey := domain.SyncKey(ev.Channel, deletedTS, "delete")
	if s.alreadyProcessed(ctx, channel.ID, syncKey) {
		return nil
	}

	conv, err := s.resolveForAnnotation(ctx, channel, threadTS, deletedTS)
	if err != nil {
		logMissingConversation(channel.ID, deletedTS, "delete")
		return nil
	}

	body := "(Deleted)"
	if prevText != "" {
		body = fmt.Sprintf("(Deleted)\n\n%s", SlackToZendesk(prevText))
	}
	comment := zendesk.Comment{Body: body, Public: false}

	if deletedTS == conv.RootTS {
		// Root gone: the thread is over from the requester's side.
		if err := s.Tickets.SolveTicket(ctx, creds(conn), conv.TicketID, &comment); err != nil {
			return err
		}
	} else {
		_, err = s.Tickets.AddComment(ctx, creds(conn), conv.TicketID, comment, syncKey)
		if errors.Is(err, zendesk.ErrTicketClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	commentsAppended.WithLabelValues("private").Inc()
	s.recordReceipt(ctx, channel.ID, syncKey, conv.TicketID)
	return nil
}

// ProcessFile is the queue handler for file_share messages: every file is
// pulled from Slack and pushed to Zendesk for an attachment token, then the
// message job is forwarded to the message queue with the tokens attached.
func (s *SyncService) ProcessFile(ctx context.Context, job *FileJob) error {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "ProcessFile",
		trace.WithAttributes(
			attribute.String("slack.team", job.TeamID),
			attribute.String("slack.channel", job.Event.Channel),
		),
	)
	defer span.End()

	conn, err := repo.GetConnectionByTeam(ctx, s.DB, job.TeamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !conn.SubscriptionActive(s.now()) || !conn.HasZendesk() {
		return nil
	}

	var tokens []string
	for _, f := range job.Event.Files {
		url := f.URL
		name := f.Name
		if url == "" {
			// Slack Connect shares omit the download URL in the event.
			info, ierr := s.Chat.FileInfo(ctx, conn.BotToken, f.ID)
			if ierr != nil {
				return ierr
			}
			url, name = info.URL, info.Name
		}
		data, derr := s.Chat.DownloadFile(ctx, conn.BotToken, url)
		if derr != nil {
			return derr
		}
		token, uerr := s.Tickets.UploadFile(ctx, creds(conn), name, data)
		if uerr != nil {
			return uerr
		}
		tokens = append(tokens, token)
	}

	return s.Queue.Send(ctx, s.MessageQueueName, &MessageJob{
		TeamID:           job.TeamID,
		Event:            job.Event,
		AttachmentTokens: tokens,
	})
}

// NotifyDeliveryFailure posts a threaded warning back into the channel after
// a message job exhausts its retries. Best-effort; the user-visible contract
// is a missing reply, optionally this notice.
func (s *SyncService) NotifyDeliveryFailure(ctx context.Context, job *MessageJob) {
	conn, err := repo.GetConnectionByTeam(ctx, s.DB, job.TeamID)
	if err != nil {
		return
	}
	threadTS := job.Event.ThreadTS
	if threadTS == "" {
		threadTS = job.Event.TS
	}
	_, err = s.Chat.PostMessage(ctx, conn.BotToken, slack.PostMessageParams{
		Channel:  job.Event.Channel,
		ThreadTS: threadTS,
		Text:     ":warning: Your message was not delivered to the support team.",
	})
	if err != nil {
		log.Warn().Err(err).Str("channel", job.Event.Channel).Msg("delivery-failure notice failed")
	}
}

// resolveForAnnotation finds the conversation an edit/delete belongs to:
// the thread parent when present, otherwise the message's own ts as root.
func (s *SyncService) resolveForAnnotation(ctx context.Context, channel *domain.Channel, threadTS, ts string) (*domain.Conversation, error) {
	rootTS := ts
	if threadTS != "" && threadTS != ts {
		rootTS = threadTS
	}
	return repo.FindByRootMessage(ctx, s.DB, channel.ID, rootTS)
}

// alreadyProcessed consults the receipt ledger for a prior success.
func (s *SyncService) alreadyProcessed(ctx context.Context, channelID, syncKey string) bool {
	if _, err := repo.GetReceipt(ctx, s.DB, channelID, syncKey, s.now().UTC()); err == nil {
		duplicatesSkipped.Inc()
		return true
	}
	return false
}

// recordReceipt writes the dedupe marker after a fully successful sync.
// A duplicate here just means a concurrent delivery finished first.
func (s *SyncService) recordReceipt(ctx context.Context, channelID, syncKey string, ticketID int64) {
	if _, err := repo.CreateReceipt(ctx, s.DB, channelID, syncKey, ticketID, s.receiptTTL()); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Warn().Err(err).Str("sync_key", syncKey).Msg("receipt write failed")
	}
}

// authorLabel resolves a display name for comment footers, falling back to
// the raw user id.
func (s *SyncService) authorLabel(ctx context.Context, conn *domain.Connection, userID string) string {
	if profile, err := s.Chat.GetUserProfile(ctx, conn.BotToken, userID); err == nil {
		return profile.DisplayLabel()
	}
	return userID
}

func logMissingConversation(channelID, ts, kind string) {
	log.Error().
		Str("channel_id", channelID).
		Str("ts", ts).
		Str("kind", kind).
		Msg("no conversation for annotation; event dropped")
}

// parseSlackTS converts a Slack "seconds.fraction" timestamp into a
// time.Time.
func parseSlackTS(ts string) (time.Time, bool) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}, false
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}
