// Package domain defines the persistence models for connections, channels,
// and conversations. These types are mapped with GORM and form the core data
// layer of the sync service: a Conversation row is the correlation record that
// ties a Slack thread to the Zendesk ticket it is mirrored into.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Channel lifecycle statuses. A channel the bot has joined is ACTIVE unless
// the workspace is over its plan's channel quota, in which case it is parked
// as PENDING_UPGRADE and content sync is suspended until the plan allows it.
const (
	ChannelStatusActive         = "ACTIVE"
	ChannelStatusPendingUpgrade = "PENDING_UPGRADE"
)

// Connection statuses. A connection is soft-disabled on app uninstall; the
// row is retained because historical conversations reference it.
const (
	ConnectionStatusActive   = "ACTIVE"
	ConnectionStatusDisabled = "DISABLED"
)

// Connection represents one installed Slack workspace and its link to a
// Zendesk account. Created on install, updated on re-install or token
// refresh, soft-disabled on uninstall - never hard-deleted.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - TeamID: Slack workspace (team) identifier; unique per connection.
//   - BotUserID: the bot's own Slack user id, used for echo suppression.
//   - BotToken: Slack bot token (xoxb-...). Capability: post/read messages.
//   - ZendeskDomain / ZendeskEmail / ZendeskAPIKey: Zendesk credentials.
//     Empty until the workspace finishes Zendesk setup; sync is a no-op
//     until then.
//   - WebhookToken: bearer token Zendesk presents on its trigger webhook;
//     identifies the connection and enforces tenant isolation.
//   - Plan / ChannelLimit: subscription tier and the number of channels it
//     allows (0 = unlimited). SubscriptionEndsAt bounds the paid period.
//   - DefaultTags / DefaultAssignee: global ticket defaults, overridable per
//     channel.
//   - MergeWindowSecs: same-sender merge window in seconds; 0 disables the
//     heuristic.
type Connection struct {
	ID        string `json:"id"          gorm:"type:char(36);primaryKey"`
	TeamID    string `json:"team_id"     gorm:"type:varchar(32);not null;uniqueIndex:ux_conn_team"`
	TeamName  string `json:"team_name"   gorm:"type:varchar(255)"`
	BotUserID string `json:"bot_user_id" gorm:"type:varchar(32);not null"`
	BotToken  string `json:"-"           gorm:"type:text;not null"`

	ZendeskDomain string `json:"zendesk_domain" gorm:"type:varchar(255)"`
	ZendeskEmail  string `json:"zendesk_email"  gorm:"type:varchar(255)"`
	ZendeskAPIKey string `json:"-"              gorm:"type:text"`
	WebhookToken  string `json:"-"              gorm:"type:varchar(64);index"`

	Plan               string     `json:"plan"          gorm:"type:varchar(32);not null;default:'free'"`
	ChannelLimit       int        `json:"channel_limit" gorm:"not null;default:2"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`

	DefaultTags     string `json:"default_tags"      gorm:"type:varchar(512)"` // comma-separated
	DefaultAssignee string `json:"default_assignee"  gorm:"type:varchar(255)"`
	MergeWindowSecs int    `json:"merge_window_secs" gorm:"not null;default:0"`

	Status    string         `json:"status" gorm:"type:varchar(16);not null;default:'ACTIVE';check:status IN ('ACTIVE','DISABLED')"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Connection.
func (Connection) TableName() string { return "connections" }

// HasZendesk reports whether the connection has finished Zendesk setup.
// Without credentials there is nothing to sync to and content events are
// dropped (not errored).
func (c *Connection) HasZendesk() bool {
	return c.ZendeskDomain != "" && c.ZendeskEmail != "" && c.ZendeskAPIKey != ""
}

// SubscriptionActive reports whether content sync is allowed for this
// connection at the given instant. Lifecycle events are processed regardless.
func (c *Connection) SubscriptionActive(now time.Time) bool {
	if c.Status != ConnectionStatusActive {
		return false
	}
	if c.SubscriptionEndsAt != nil && now.After(*c.SubscriptionEndsAt) {
		return false
	}
	return true
}

// MergeWindow returns the same-sender merge window as a duration.
func (c *Connection) MergeWindow() time.Duration {
	return time.Duration(c.MergeWindowSecs) * time.Second
}

// Channel represents a Slack channel the bot has been invited to. The
// external SlackID can be rewritten in place when Slack reassigns channel
// ids; the row identity (primary key, conversation FKs) is preserved.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConnectionID: owning connection (indexed).
//   - SlackID: platform channel id; unique per connection, mutable.
//   - Name: last known channel name (kept current via rename events).
//   - IsMember: whether the bot is currently in the channel.
//   - AssigneeEmail / Tags: per-channel ticket overrides.
//   - Status: ACTIVE or PENDING_UPGRADE (plan quota exceeded at join time).
//   - LastActivityAt: timestamp of the last synced event in this channel.
type Channel struct {
	ID           string `json:"id"            gorm:"type:char(36);primaryKey"`
	ConnectionID string `json:"connection_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_channel_conn_slack,priority:1"`
	SlackID      string `json:"slack_id"      gorm:"type:varchar(32);not null;uniqueIndex:ux_channel_conn_slack,priority:2"`
	Name         string `json:"name"          gorm:"type:varchar(255)"`
	IsMember     bool   `json:"is_member"     gorm:"not null;default:true"`

	AssigneeEmail string `json:"assignee_email" gorm:"type:varchar(255)"`
	Tags          string `json:"tags"           gorm:"type:varchar(512)"` // comma-separated

	Status         string     `json:"status" gorm:"type:varchar(24);not null;default:'ACTIVE';check:status IN ('ACTIVE','PENDING_UPGRADE')"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	CreatedAt time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Connection Connection `json:"-" gorm:"foreignKey:ConnectionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Channel.
func (Channel) TableName() string { return "channels" }

// Conversation is the correlation record: one Slack thread mapped to one
// Zendesk ticket. At most one row exists per (channel, root message ts).
// When a reply lands on a closed ticket, a follow-up ticket supersedes the
// old one by updating TicketID in place - the row is never duplicated and
// never deleted (threads and tickets are retained for audit).
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ChannelID: owning channel (indexed, part of the root uniqueness key).
//   - RootTS: Slack timestamp of the thread's root message.
//   - TicketID: Zendesk ticket id currently linked to this thread.
//   - ExternalID: random correlating id stamped on the ticket; the Zendesk
//     webhook carries it back so comments can be routed to this row.
//   - AuthorID: Slack user who posted the root message (merge heuristic).
//   - LastSyncedTS: ts of the most recently synced message in this thread;
//     equal to RootTS while the thread has no synced replies. Advisory -
//     compared, not blindly overwritten.
type Conversation struct {
	ID         string `json:"id"          gorm:"type:char(36);primaryKey"`
	ChannelID  string `json:"channel_id"  gorm:"type:char(36);not null;index;uniqueIndex:ux_conv_channel_root,priority:1"`
	RootTS     string `json:"root_ts"     gorm:"type:varchar(32);not null;uniqueIndex:ux_conv_channel_root,priority:2"`
	TicketID   int64  `json:"ticket_id"   gorm:"not null;index"`
	ExternalID string `json:"external_id" gorm:"type:char(36);not null;uniqueIndex:ux_conv_external"`

	AuthorID     string `json:"author_id"      gorm:"type:varchar(32);not null"`
	LastSyncedTS string `json:"last_synced_ts" gorm:"type:varchar(32);not null"`

	CreatedAt time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Channel Channel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// HasReplies reports whether any reply in this thread has been synced.
// A still-single-message thread (root == last synced) is the only state in
// which the same-sender merge heuristic may fold a new root into it.
func (c *Conversation) HasReplies() bool { return c.LastSyncedTS != c.RootTS }
