// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the correlation store: it maps a Slack thread
// (channel + root message ts) to the Zendesk ticket it is linked to, plus the
// last-synced-message pointer.
//
// Functions:
//
//   - InsertConversation(ctx, db, conv) -> *domain.Conversation, error
//     Inserts a new correlation row; ErrDuplicate if the (channel, root)
//     slot is already taken (a racing create lost - the winner's row holds).
//
//   - FindByRootMessage(ctx, db, channelID, rootTS) -> *domain.Conversation
//     The append-path lookup: does this thread already have a ticket?
//
//   - FindByTicketExternalID(ctx, db, externalID) -> *domain.Conversation
//     The relay-path lookup: which thread does this Zendesk comment belong to?
//
//   - LatestInChannel(ctx, db, channelID) -> *domain.Conversation
//     Most recently created conversation; input to the same-sender-merge
//     heuristic.
//
//   - UpdateTicketID(ctx, db, id, ticketID) -> error
//     Supersession: re-points the row at a follow-up ticket in place. The
//     (channel, root) uniqueness invariant survives because no second row
//     is ever inserted for the same root.
//
//   - UpdateLastSynced(ctx, db, id, ts) -> error
//     Advances the advisory last-synced pointer, never backwards.
//
// Conversations are never deleted; threads and tickets are retained for audit.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
)

// ErrDuplicate indicates that a row already exists for a unique key
// (conversation root slot or event receipt).
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// InsertConversation persists a new correlation row. The caller must only
// invoke this after the ticket-creation call has been confirmed successful
// (no partial-success commits). Returns ErrDuplicate when another invocation
// already claimed the (channel, root) slot.
func InsertConversation(ctx context.Context, db *gorm.DB, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.LastSyncedTS == "" {
		conv.LastSyncedTS = conv.RootTS
	}
	conv.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(conv).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return conv, nil
}

// FindByRootMessage resolves a conversation by (channel, root ts), or
// ErrNotFound.
func FindByRootMessage(ctx context.Context, db *gorm.DB, channelID, rootTS string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Where("channel_id = ? AND root_ts = ?", channelID, rootTS).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByTicketExternalID resolves a conversation by the correlating id
// stamped on its Zendesk ticket, or ErrNotFound.
func FindByTicketExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// LatestInChannel returns the most recently created conversation in a
// channel, or ErrNotFound when the channel has none yet.
func LatestInChannel(ctx context.Context, db *gorm.DB, channelID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at desc, id desc").
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateTicketID re-points a conversation at a new (follow-up) ticket.
// Returns ErrNotFound when the row does not exist.
func UpdateTicketID(ctx context.Context, db *gorm.DB, id string, ticketID int64) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("ticket_id", ticketID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateLastSynced advances the last-synced pointer to ts. The guard keeps a
// late-arriving redelivery of an older message from rewinding the pointer;
// concurrent writers remain last-write-wins for equal-or-newer values, which
// is acceptable because the pointer is advisory, not a lock.
func UpdateLastSynced(ctx context.Context, db *gorm.DB, id, ts string) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND last_synced_ts < ?", id, ts).
		Update("last_synced_ts", ts).Error
}

// ListConversationsPage returns a page of conversations in a channel ordered
// by creation time descending (most recent thread first).
func ListConversationsPage(ctx context.Context, db *gorm.DB, channelID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountConversations returns the total number of conversations in a channel.
func CountConversations(ctx context.Context, db *gorm.DB, channelID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("channel_id = ?", channelID).
		Count(&total).Error
	return total, err
}
