// Package slack contains the inbound event envelope types for the Slack
// Events API and a thin Web API client for the handful of methods the sync
// engine needs. Wire formats are fixed by Slack and mirrored here verbatim;
// nothing in this package makes sync decisions.
package slack

import "encoding/json"

// Event types and subtypes the classifier cares about. Everything else is
// either a structural lifecycle event or noise to be ignored.
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"

	EventMessage          = "message"
	EventMemberJoined     = "member_joined_channel"
	EventChannelLeft      = "channel_left"
	EventGroupLeft        = "group_left"
	EventChannelArchive   = "channel_archive"
	EventChannelUnarchive = "channel_unarchive"
	EventChannelRename    = "channel_rename"
	EventChannelIDChanged = "channel_id_changed"
	EventAppUninstalled   = "app_uninstalled"
	EventAppHomeOpened    = "app_home_opened"

	SubtypeFileShare      = "file_share"
	SubtypeMessageReplied = "message_replied"
	SubtypeMessageChanged = "message_changed"
	SubtypeMessageDeleted = "message_deleted"
	SubtypeBotMessage     = "bot_message"
)

// Envelope is the outer Events API callback: either a url_verification
// challenge or an event_callback wrapping a single Event.
type Envelope struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	Event     *Event `json:"event,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventTime int64  `json:"event_time,omitempty"`
}

// Event is the inner event payload. Field presence varies by type/subtype;
// the classifier and sync engine only read what their branch needs.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Channel is normally the plain channel id. On channel_rename events
	// Slack sends an object instead; UnmarshalJSON splits the two shapes
	// into Channel and ChannelInfo.
	Channel     string `json:"-"`
	ChannelType string `json:"channel_type,omitempty"`
	User        string `json:"user,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text,omitempty"`
	TS          string `json:"ts,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	EventTS     string `json:"event_ts,omitempty"`
	DeletedTS   string `json:"deleted_ts,omitempty"`

	Files []File `json:"files,omitempty"`

	// message_changed / message_deleted carry the affected message nested.
	Message         *Event `json:"message,omitempty"`
	PreviousMessage *Event `json:"previous_message,omitempty"`

	// channel_rename style payloads (populated from the "channel" object).
	ChannelInfo *ChannelInfo `json:"-"`

	// channel_id_changed payload.
	OldChannelID string `json:"old_channel_id,omitempty"`
	NewChannelID string `json:"new_channel_id,omitempty"`
}

// ChannelInfo is the nested channel object on rename events.
type ChannelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Created int64  `json:"created"`
}

// File is a file attachment reference on a file_share message.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Mimetype string `json:"mimetype,omitempty"`
	URL      string `json:"url_private_download,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// UnmarshalJSON decodes an Event while tolerating the two wire shapes of the
// "channel" field: a plain id string on message events, an object on
// channel_rename events.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		Channel json.RawMessage `json:"channel,omitempty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Channel) == 0 {
		return nil
	}
	if aux.Channel[0] == '"' {
		return json.Unmarshal(aux.Channel, &e.Channel)
	}
	var info ChannelInfo
	if err := json.Unmarshal(aux.Channel, &info); err != nil {
		return err
	}
	e.ChannelInfo = &info
	e.Channel = info.ID
	return nil
}

// MarshalJSON re-emits the channel id as a plain string so events survive a
// queue round trip. The ChannelInfo object shape only exists on rename
// events, which are handled inline and never enqueued.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	aux := struct {
		alias
		Channel string `json:"channel,omitempty"`
	}{alias: alias(e), Channel: e.Channel}
	return json.Marshal(aux)
}

// ParseEnvelope decodes the raw webhook body into an Envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
