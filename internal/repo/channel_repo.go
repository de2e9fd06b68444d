// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Channel
// model (one row per Slack channel the bot has been invited to).
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
)

// CreateChannel inserts a new Channel row for a channel the bot just joined.
func CreateChannel(ctx context.Context, db *gorm.DB, ch *domain.Channel) (*domain.Channel, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = time.Now().UTC()
	if ch.Status == "" {
		ch.Status = domain.ChannelStatusActive
	}
	if err := db.WithContext(ctx).Create(ch).Error; err != nil {
		return nil, err
	}
	return ch, nil
}

// GetChannel fetches a channel by primary key, or ErrNotFound.
func GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error) {
	var ch domain.Channel
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ch).Error; err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelBySlackID fetches a channel by (connection, platform id), or
// ErrNotFound.
func GetChannelBySlackID(ctx context.Context, db *gorm.DB, connectionID, slackID string) (*domain.Channel, error) {
	var ch domain.Channel
	err := db.WithContext(ctx).
		Where("connection_id = ? AND slack_id = ?", connectionID, slackID).
		First(&ch).Error
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannels returns all channels of a connection ordered by creation time
// ascending. Creation order is load-bearing: quota re-evaluation keeps the
// oldest N channels active, so every caller sees the same deterministic order.
func ListChannels(ctx context.Context, db *gorm.DB, connectionID string) ([]domain.Channel, error) {
	var out []domain.Channel
	err := db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("created_at asc, id asc").
		Find(&out).Error
	return out, err
}

// CountActiveChannels returns the number of channels currently counted
// against the connection's plan quota (ACTIVE and joined).
func CountActiveChannels(ctx context.Context, db *gorm.DB, connectionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("connection_id = ? AND status = ? AND is_member = ?", connectionID, domain.ChannelStatusActive, true).
		Count(&total).Error
	return total, err
}

// ListChannelsPage returns a page of channels for a connection, ordered by
// creation time ascending. Use CountChannels for pagination metadata.
func ListChannelsPage(ctx context.Context, db *gorm.DB, connectionID string, offset, limit int) ([]domain.Channel, error) {
	var out []domain.Channel
	err := db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("created_at asc, id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountChannels returns the total number of channels for a connection.
func CountChannels(ctx context.Context, db *gorm.DB, connectionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("connection_id = ?", connectionID).
		Count(&total).Error
	return total, err
}

// UpdateChannelMembership flips the bot-joined flag (leave/archive/unarchive).
// Returns ErrNotFound when the channel does not exist.
func UpdateChannelMembership(ctx context.Context, db *gorm.DB, id string, isMember bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("id = ?", id).
		Update("is_member", isMember)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateChannelStatus moves a channel between ACTIVE and PENDING_UPGRADE.
func UpdateChannelStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateChannelName records a channel rename.
func UpdateChannelName(ctx context.Context, db *gorm.DB, id, name string) error {
	res := db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("id = ?", id).
		Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RewriteChannelSlackID replaces the external channel id in place when Slack
// reassigns it (channel-id-changed event). The row identity - primary key and
// all conversation foreign keys - is untouched; only the external identifier
// moves.
func RewriteChannelSlackID(ctx context.Context, db *gorm.DB, connectionID, oldSlackID, newSlackID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("connection_id = ? AND slack_id = ?", connectionID, oldSlackID).
		Update("slack_id", newSlackID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchChannelActivity stamps the channel's last synced-event time.
func TouchChannelActivity(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Channel{}).
		Where("id = ?", id).
		Update("last_activity_at", at).Error
}
