package services

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
	"github.com/threadsync/go-ticket-bridge/internal/zendesk"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedSyncConn(t *testing.T, db *gorm.DB, mergeWindowSecs int) *domain.Connection {
	t.Helper()
	conn, err := repo.CreateConnection(context.Background(), db, &domain.Connection{
		TeamID:          "T1",
		BotUserID:       "UBOT",
		BotToken:        "xoxb-test",
		ZendeskDomain:   "acme",
		ZendeskEmail:    "ops@acme.test",
		ZendeskAPIKey:   "zd-key",
		ChannelLimit:    10,
		MergeWindowSecs: mergeWindowSecs,
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return conn
}

func seedSyncChannel(t *testing.T, db *gorm.DB, connID, slackID string) *domain.Channel {
	t.Helper()
	ch, err := repo.CreateChannel(context.Background(), db, &domain.Channel{
		ConnectionID: connID,
		SlackID:      slackID,
		Name:         "support",
		IsMember:     true,
	})
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return ch
}

type addedComment struct {
	ticketID int64
	comment  zendesk.Comment
	key      string
}

// fakeTickets implements TicketAPI in memory. Tickets marked closed answer
// AddComment with ErrTicketClosed, mirroring the real client's translation of
// Zendesk's closed/deleted responses.
type fakeTickets struct {
	nextID  int64
	created []zendesk.CreateTicketParams
	addsTo  []addedComment
	solved  []int64
	closed  map[int64]bool

	createErr  error
	commentErr error
}

func (f *fakeTickets) CreateTicket(_ context.Context, _ zendesk.Credentials, p zendesk.CreateTicketParams) (*zendesk.Ticket, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, p)
	return &zendesk.Ticket{ID: f.nextID, Status: "new"}, nil
}

func (f *fakeTickets) AddComment(_ context.Context, _ zendesk.Credentials, ticketID int64, c zendesk.Comment, key string) (*zendesk.Ticket, error) {
	if f.commentErr != nil {
		return nil, f.commentErr
	}
	if f.closed[ticketID] {
		return nil, zendesk.ErrTicketClosed
	}
	f.addsTo = append(f.addsTo, addedComment{ticketID: ticketID, comment: c, key: key})
	return &zendesk.Ticket{ID: ticketID, Status: "open"}, nil
}

func (f *fakeTickets) SolveTicket(_ context.Context, _ zendesk.Credentials, ticketID int64, _ *zendesk.Comment) error {
	f.solved = append(f.solved, ticketID)
	return nil
}

func (f *fakeTickets) CreateOrUpdateUser(_ context.Context, _ zendesk.Credentials, name, externalID, _ string) (*zendesk.ZendeskUser, error) {
	return &zendesk.ZendeskUser{ID: 900, Name: name, ExternalID: externalID}, nil
}

func (f *fakeTickets) UploadFile(_ context.Context, _ zendesk.Credentials, filename string, _ []byte) (string, error) {
	return "upload-" + filename, nil
}

type postedMessage struct {
	token  string
	params slack.PostMessageParams
}

// fakeChat implements ChatAPI with canned profiles and recorded posts.
type fakeChat struct {
	posted  []postedMessage
	postErr error
}

func (f *fakeChat) GetUserProfile(_ context.Context, _, userID string) (*slack.User, error) {
	u := &slack.User{ID: userID, Name: "user-" + userID}
	u.Profile.DisplayName = "Alice"
	u.Profile.Email = "alice@acme.test"
	return u, nil
}

func (f *fakeChat) LookupUserByEmail(_ context.Context, _, email string) (*slack.User, error) {
	if email != "agent@acme.test" {
		return nil, slack.ErrUserNotFound
	}
	u := &slack.User{ID: "UAGENT", Name: "agent"}
	u.Profile.DisplayName = "Agent Smith"
	u.Profile.Image72 = "https://img.test/72.png"
	return u, nil
}

func (f *fakeChat) GetPermalink(_ context.Context, _, channelID, messageTS string) (string, error) {
	return "https://slack.test/archives/" + channelID + "/p" + messageTS, nil
}

func (f *fakeChat) FileInfo(_ context.Context, _, fileID string) (*slack.File, error) {
	return &slack.File{ID: fileID, Name: fileID + ".png", URL: "https://files.test/" + fileID}, nil
}

func (f *fakeChat) DownloadFile(_ context.Context, _, url string) ([]byte, error) {
	return []byte("bytes:" + url), nil
}

func (f *fakeChat) PostMessage(_ context.Context, token string, p slack.PostMessageParams) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posted = append(f.posted, postedMessage{token: token, params: p})
	return "999.0001", nil
}

// captureSender records queue publishes.
type captureSender struct {
	sent []struct {
		queue string
		body  any
	}
	err error
}

func (c *captureSender) Send(_ context.Context, queueName string, body any) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, struct {
		queue string
		body  any
	}{queueName, body})
	return nil
}

type syncFixture struct {
	db      *gorm.DB
	conn    *domain.Connection
	channel *domain.Channel
	tickets *fakeTickets
	chat    *fakeChat
	sender  *captureSender
	svc     *SyncService
}

func newSyncFixture(t *testing.T, mergeWindowSecs int) *syncFixture {
	t.Helper()
	db := newServiceDB(t)
	conn := seedSyncConn(t, db, mergeWindowSecs)
	channel := seedSyncChannel(t, db, conn.ID, "C1")
	tickets := &fakeTickets{closed: map[int64]bool{}}
	chat := &fakeChat{}
	sender := &captureSender{}
	svc := &SyncService{
		DB:               db,
		Tickets:          tickets,
		Chat:             chat,
		Queue:            sender,
		Channels:         NewChannelService(db),
		MessageQueueName: "sync-messages",
	}
	return &syncFixture{db: db, conn: conn, channel: channel, tickets: tickets, chat: chat, sender: sender, svc: svc}
}

func messageJob(channel, user, text, ts, threadTS string) *MessageJob {
	return &MessageJob{
		TeamID: "T1",
		Event: slack.Event{
			Type:     slack.EventMessage,
			Channel:  channel,
			User:     user,
			Text:     text,
			TS:       ts,
			ThreadTS: threadTS,
			EventTS:  ts,
		},
	}
}

func (f *syncFixture) conversation(t *testing.T, rootTS string) *domain.Conversation {
	t.Helper()
	conv, err := repo.FindByRootMessage(context.Background(), f.db, f.channel.ID, rootTS)
	if err != nil {
		t.Fatalf("conversation %s: %v", rootTS, err)
	}
	return conv
}

func TestProcessMessage_NewThreadCreatesTicket(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	job := messageJob("C1", "U1", "printer on fire", "1700000000.000100", "")
	if err := f.svc.ProcessMessage(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(f.tickets.created) != 1 {
		t.Fatalf("created=%d", len(f.tickets.created))
	}
	p := f.tickets.created[0]
	if p.Subject != "#Support: printer on fire" {
		t.Fatalf("subject=%q", p.Subject)
	}
	if p.IdempotencyKey != "C1-1700000000.000100" {
		t.Fatalf("idempotency key=%q", p.IdempotencyKey)
	}
	if p.FollowUpSourceID != 0 {
		t.Fatalf("unexpected follow-up source %d", p.FollowUpSourceID)
	}
	found := false
	for _, tag := range p.Tags {
		if tag == DefaultSystemTag {
			found = true
		}
	}
	if !found {
		t.Fatalf("system tag missing: %v", p.Tags)
	}

	conv := f.conversation(t, "1700000000.000100")
	if conv.TicketID != 1 {
		t.Fatalf("ticket=%d", conv.TicketID)
	}
	if conv.ExternalID != p.ExternalID {
		t.Fatal("conversation and ticket must share the correlating id")
	}
	if conv.AuthorID != "U1" {
		t.Fatalf("author=%q", conv.AuthorID)
	}
}

func TestProcessMessage_ReplyAppendsToExistingTicket(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	root := "1700000000.000100"
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "root", root, "")); err != nil {
		t.Fatalf("root: %v", err)
	}
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U2", "a reply", "1700000100.000200", root)); err != nil {
		t.Fatalf("reply: %v", err)
	}

	if len(f.tickets.created) != 1 {
		t.Fatalf("reply must not create a second ticket: %d", len(f.tickets.created))
	}
	if len(f.tickets.addsTo) != 1 {
		t.Fatalf("comments=%d", len(f.tickets.addsTo))
	}
	add := f.tickets.addsTo[0]
	if add.ticketID != 1 {
		t.Fatalf("comment ticket=%d", add.ticketID)
	}
	if !add.comment.Public {
		t.Fatal("relayed replies are public comments")
	}
	if add.key != "C1-1700000100.000200" {
		t.Fatalf("comment key=%q", add.key)
	}

	conv := f.conversation(t, root)
	if conv.LastSyncedTS != "1700000100.000200" {
		t.Fatalf("last synced=%q", conv.LastSyncedTS)
	}
}

func TestProcessMessage_RedeliveryIsIdempotent(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	job := messageJob("C1", "U1", "once please", "1700000000.000100", "")
	for i := 0; i < 3; i++ {
		if err := f.svc.ProcessMessage(ctx, job); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if len(f.tickets.created) != 1 {
		t.Fatalf("created=%d, want 1 across redeliveries", len(f.tickets.created))
	}
	if len(f.tickets.addsTo) != 0 {
		t.Fatalf("redelivery appended comments: %d", len(f.tickets.addsTo))
	}
}

func TestProcessMessage_MergeWindow(t *testing.T) {
	const root = "1700000000.000000"

	t.Run("inside window folds into thread", func(t *testing.T) {
		f := newSyncFixture(t, 60)
		ctx := context.Background()

		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "first", root, "")); err != nil {
			t.Fatalf("first: %v", err)
		}
		// 59s later, same author, thread still single-message.
		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "also this", "1700000059.000000", "")); err != nil {
			t.Fatalf("second: %v", err)
		}

		if len(f.tickets.created) != 1 {
			t.Fatalf("created=%d, want merged append", len(f.tickets.created))
		}
		if len(f.tickets.addsTo) != 1 || f.tickets.addsTo[0].ticketID != 1 {
			t.Fatalf("merge should append to the first ticket: %+v", f.tickets.addsTo)
		}
	})

	t.Run("outside window opens a new ticket", func(t *testing.T) {
		f := newSyncFixture(t, 60)
		ctx := context.Background()

		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "first", root, "")); err != nil {
			t.Fatalf("first: %v", err)
		}
		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "much later", "1700000061.000000", "")); err != nil {
			t.Fatalf("second: %v", err)
		}

		if len(f.tickets.created) != 2 {
			t.Fatalf("created=%d, want a second ticket", len(f.tickets.created))
		}
		if len(f.tickets.addsTo) != 0 {
			t.Fatalf("unexpected appends: %+v", f.tickets.addsTo)
		}
	})

	t.Run("different author never merges", func(t *testing.T) {
		f := newSyncFixture(t, 60)
		ctx := context.Background()

		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "first", root, "")); err != nil {
			t.Fatalf("first: %v", err)
		}
		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U2", "me too", "1700000010.000000", "")); err != nil {
			t.Fatalf("second: %v", err)
		}
		if len(f.tickets.created) != 2 {
			t.Fatalf("created=%d", len(f.tickets.created))
		}
	})

	t.Run("zero window disables the heuristic", func(t *testing.T) {
		f := newSyncFixture(t, 0)
		ctx := context.Background()

		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "first", root, "")); err != nil {
			t.Fatalf("first: %v", err)
		}
		if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "right after", "1700000001.000000", "")); err != nil {
			t.Fatalf("second: %v", err)
		}
		if len(f.tickets.created) != 2 {
			t.Fatalf("created=%d", len(f.tickets.created))
		}
	})
}

func TestProcessMessage_ClosedTicketGetsFollowUp(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	root := "1700000000.000100"
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "root", root, "")); err != nil {
		t.Fatalf("root: %v", err)
	}
	before := f.conversation(t, root)

	// The agent closes the ticket; a late reply arrives in the same thread.
	f.tickets.closed[before.TicketID] = true
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "still broken", "1700009000.000300", root)); err != nil {
		t.Fatalf("late reply: %v", err)
	}

	if len(f.tickets.created) != 2 {
		t.Fatalf("created=%d, want follow-up ticket", len(f.tickets.created))
	}
	followUp := f.tickets.created[1]
	if followUp.FollowUpSourceID != before.TicketID {
		t.Fatalf("follow-up source=%d, want %d", followUp.FollowUpSourceID, before.TicketID)
	}
	if followUp.ExternalID != before.ExternalID {
		t.Fatal("follow-up must reuse the correlating id")
	}

	after := f.conversation(t, root)
	if after.ID != before.ID {
		t.Fatal("supersession must not create a second row")
	}
	if after.RootTS != root {
		t.Fatalf("root moved: %q", after.RootTS)
	}
	if after.TicketID == before.TicketID {
		t.Fatal("ticket id not re-pointed")
	}
	if after.ExternalID != before.ExternalID {
		t.Fatal("correlating id changed on supersession")
	}
}

func TestProcessMessage_EditAnnotatesPrivately(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	root := "1700000000.000100"
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "orig", root, "")); err != nil {
		t.Fatalf("root: %v", err)
	}

	edit := &MessageJob{
		TeamID: "T1",
		Event: slack.Event{
			Type:    slack.EventMessage,
			Subtype: slack.SubtypeMessageChanged,
			Channel: "C1",
			EventTS: "1700000050.000400",
			Message: &slack.Event{User: "U1", TS: root, Text: "orig but better"},
		},
	}
	for i := 0; i < 2; i++ { // redelivered once
		if err := f.svc.ProcessMessage(ctx, edit); err != nil {
			t.Fatalf("edit delivery %d: %v", i, err)
		}
	}

	if len(f.tickets.addsTo) != 1 {
		t.Fatalf("annotations=%d, want exactly one", len(f.tickets.addsTo))
	}
	note := f.tickets.addsTo[0]
	if note.comment.Public {
		t.Fatal("edit annotations are private")
	}
	if !strings.HasPrefix(note.comment.Body, "(Edited)\n\n") {
		t.Fatalf("body=%q", note.comment.Body)
	}
	if !strings.Contains(note.comment.Body, "orig but better") {
		t.Fatalf("new text missing: %q", note.comment.Body)
	}
	if len(f.tickets.created) != 1 {
		t.Fatal("edits must never create tickets")
	}
}

func TestProcessMessage_DeleteReplyAnnotates(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	root := "1700000000.000100"
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "root", root, "")); err != nil {
		t.Fatalf("root: %v", err)
	}

	del := &MessageJob{
		TeamID: "T1",
		Event: slack.Event{
			Type:      slack.EventMessage,
			Subtype:   slack.SubtypeMessageDeleted,
			Channel:   "C1",
			DeletedTS: "1700000100.000200",
			PreviousMessage: &slack.Event{
				User: "U2", TS: "1700000100.000200", ThreadTS: root, Text: "oops",
			},
		},
	}
	if err := f.svc.ProcessMessage(ctx, del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(f.tickets.solved) != 0 {
		t.Fatal("reply deletion must not solve the ticket")
	}
	if len(f.tickets.addsTo) != 1 {
		t.Fatalf("annotations=%d", len(f.tickets.addsTo))
	}
	note := f.tickets.addsTo[0]
	if note.comment.Public || !strings.HasPrefix(note.comment.Body, "(Deleted)\n\n") {
		t.Fatalf("annotation: %+v", note.comment)
	}
	if !strings.Contains(note.comment.Body, "oops") {
		t.Fatalf("previous text missing: %q", note.comment.Body)
	}
}

func TestProcessMessage_DeleteRootSolvesTicket(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	root := "1700000000.000100"
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "root", root, "")); err != nil {
		t.Fatalf("root: %v", err)
	}

	del := &MessageJob{
		TeamID: "T1",
		Event: slack.Event{
			Type:            slack.EventMessage,
			Subtype:         slack.SubtypeMessageDeleted,
			Channel:         "C1",
			DeletedTS:       root,
			PreviousMessage: &slack.Event{User: "U1", TS: root, Text: "root"},
		},
	}
	if err := f.svc.ProcessMessage(ctx, del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(f.tickets.solved) != 1 || f.tickets.solved[0] != 1 {
		t.Fatalf("solved=%v, want ticket 1", f.tickets.solved)
	}
}

func TestProcessMessage_DropsWithoutZendeskSetup(t *testing.T) {
	db := newServiceDB(t)
	conn, err := repo.CreateConnection(context.Background(), db, &domain.Connection{
		TeamID: "T1", BotUserID: "UBOT", BotToken: "x", ChannelLimit: 10,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	seedSyncChannel(t, db, conn.ID, "C1")

	tickets := &fakeTickets{closed: map[int64]bool{}}
	svc := &SyncService{DB: db, Tickets: tickets, Chat: &fakeChat{}, Channels: NewChannelService(db)}

	if err := svc.ProcessMessage(context.Background(), messageJob("C1", "U1", "hi", "1700000000.000100", "")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(tickets.created)+len(tickets.addsTo) != 0 {
		t.Fatal("no Zendesk calls expected during onboarding")
	}
}

func TestProcessMessage_ParkedChannelSuspended(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	if err := repo.UpdateChannelStatus(ctx, f.db, f.channel.ID, domain.ChannelStatusPendingUpgrade); err != nil {
		t.Fatalf("park: %v", err)
	}
	if err := f.svc.ProcessMessage(ctx, messageJob("C1", "U1", "hi", "1700000000.000100", "")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.tickets.created) != 0 {
		t.Fatal("parked channels must not sync content")
	}
}

func TestProcessFile_UploadsThenForwards(t *testing.T) {
	f := newSyncFixture(t, 0)
	ctx := context.Background()

	job := &FileJob{
		TeamID: "T1",
		Event: slack.Event{
			Type:    slack.EventMessage,
			Subtype: slack.SubtypeFileShare,
			Channel: "C1",
			User:    "U1",
			Text:    "see attachment",
			TS:      "1700000000.000100",
			Files: []slack.File{
				{ID: "F1", Name: "report.pdf", URL: "https://files.test/F1"},
				{ID: "F2"}, // Slack Connect share: URL resolved via files.info
			},
		},
	}
	if err := f.svc.ProcessFile(ctx, job); err != nil {
		t.Fatalf("process file: %v", err)
	}

	if len(f.sender.sent) != 1 {
		t.Fatalf("forwards=%d", len(f.sender.sent))
	}
	fwd := f.sender.sent[0]
	if fwd.queue != "sync-messages" {
		t.Fatalf("queue=%q", fwd.queue)
	}
	msg, ok := fwd.body.(*MessageJob)
	if !ok {
		t.Fatalf("body type %T", fwd.body)
	}
	if len(msg.AttachmentTokens) != 2 {
		t.Fatalf("tokens=%v", msg.AttachmentTokens)
	}
	if msg.AttachmentTokens[0] != "upload-report.pdf" || msg.AttachmentTokens[1] != "upload-F2.png" {
		t.Fatalf("tokens=%v", msg.AttachmentTokens)
	}
	if msg.Event.TS != job.Event.TS || msg.Event.Channel != "C1" {
		t.Fatal("forwarded event lost identity")
	}
}

func TestNotifyDeliveryFailure_PostsThreadedNotice(t *testing.T) {
	f := newSyncFixture(t, 0)

	job := messageJob("C1", "U1", "lost", "1700000200.000500", "1700000000.000100")
	f.svc.NotifyDeliveryFailure(context.Background(), job)

	if len(f.chat.posted) != 1 {
		t.Fatalf("posted=%d", len(f.chat.posted))
	}
	p := f.chat.posted[0].params
	if p.Channel != "C1" {
		t.Fatalf("channel=%q", p.Channel)
	}
	if p.ThreadTS != "1700000000.000100" {
		t.Fatalf("thread=%q, want the parent thread", p.ThreadTS)
	}
	if !strings.Contains(p.Text, "not delivered") {
		t.Fatalf("text=%q", p.Text)
	}
}

func TestParseSlackTS(t *testing.T) {
	at, ok := parseSlackTS("1700000059.500000")
	if !ok {
		t.Fatal("parse failed")
	}
	base, _ := parseSlackTS("1700000000.000000")
	if d := at.Sub(base); d < 59*time.Second || d > 60*time.Second {
		t.Fatalf("delta=%v", d)
	}
	if _, ok := parseSlackTS("not-a-ts"); ok {
		t.Fatal("garbage accepted")
	}
}
