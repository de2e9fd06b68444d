// Package domain defines the core persistence models for the application.
// This file holds the processed-event ledger used to deduplicate queue
// redeliveries before any Zendesk call is made.
package domain

import (
	"fmt"
	"time"
)

// EventReceipt records that a classified inbound event has been fully
// processed, keyed by (channel_id, sync_key). The transport is at-least-once,
// so the same message can be delivered again; a receipt lets the handler
// short-circuit without re-entering the sync engine. Receipts are written
// only after the corresponding ticket call has succeeded - on a crash in
// between, the Zendesk-side idempotency key still guarantees no duplicate
// comment or ticket.
type EventReceipt struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ChannelID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_channel_key,priority:1"`
	SyncKey   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_channel_key,priority:2"`
	TicketID  int64     `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (EventReceipt) TableName() string { return "event_receipts" }

// SyncKey derives the deterministic idempotency key for a message event.
// It is stable across queue redeliveries of the same event: the Slack channel
// id and message timestamp uniquely identify a message, and the kind suffix
// separates the plain/edit/delete variants of the same ts.
func SyncKey(slackChannelID, ts, kind string) string {
	if kind == "" {
		return fmt.Sprintf("%s-%s", slackChannelID, ts)
	}
	return fmt.Sprintf("%s-%s-%s", slackChannelID, ts, kind)
}
