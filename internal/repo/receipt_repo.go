// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the EventReceipt
// ledger used to deduplicate at-least-once queue redeliveries.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
)

// GetReceipt returns a non-expired receipt for (channelID, syncKey) or
// ErrNotFound.
func GetReceipt(ctx context.Context, db *gorm.DB, channelID, syncKey string, now time.Time) (*domain.EventReceipt, error) {
	var rec domain.EventReceipt
	err := db.WithContext(ctx).
		Where("channel_id = ? AND sync_key = ? AND expires_at > ?", channelID, syncKey, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateReceipt inserts a receipt and returns ErrDuplicate on unique
// violation. Written only after the event has been fully processed.
func CreateReceipt(ctx context.Context, db *gorm.DB, channelID, syncKey string, ticketID int64, ttl time.Duration) (*domain.EventReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.EventReceipt{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SyncKey:   syncKey,
		TicketID:  ticketID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredReceipts removes ledger rows whose TTL has lapsed. Safe to run
// periodically; redeliveries older than the TTL fall through to the
// Zendesk-side idempotency key.
func PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Unscoped().
		Where("expires_at <= ?", now).
		Delete(&domain.EventReceipt{})
	return res.RowsAffected, res.Error
}
