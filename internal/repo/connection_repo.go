// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Connection
// model (one row per installed Slack workspace).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a connection is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConnection inserts a new Connection row for a freshly installed
// workspace. The ID is a randomly generated UUID and CreatedAt is set to UTC.
func CreateConnection(ctx context.Context, db *gorm.DB, conn *domain.Connection) (*domain.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	conn.CreatedAt = time.Now().UTC()
	if conn.Status == "" {
		conn.Status = domain.ConnectionStatusActive
	}
	if err := db.WithContext(ctx).Create(conn).Error; err != nil {
		return nil, err
	}
	return conn, nil
}

// GetConnection fetches a connection by primary key, or ErrNotFound.
func GetConnection(ctx context.Context, db *gorm.DB, id string) (*domain.Connection, error) {
	var c domain.Connection
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnectionByTeam fetches a connection by its Slack team id, or ErrNotFound.
func GetConnectionByTeam(ctx context.Context, db *gorm.DB, teamID string) (*domain.Connection, error) {
	var c domain.Connection
	if err := db.WithContext(ctx).Where("team_id = ?", teamID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnectionByWebhookToken resolves the connection a Zendesk webhook call
// authenticates as. The bearer token is the tenant boundary: every relayed
// comment must land in a channel owned by this connection.
func GetConnectionByWebhookToken(ctx context.Context, db *gorm.DB, token string) (*domain.Connection, error) {
	var c domain.Connection
	if err := db.WithContext(ctx).Where("webhook_token = ?", token).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConnectionStatus flips the soft-disable flag (install/uninstall).
// Returns ErrNotFound when the connection does not exist.
func UpdateConnectionStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Connection{}).
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

// UpdateConnectionPlan records a subscription change (upgrade or downgrade).
// Quota re-evaluation across the connection's channels is the caller's job.
func UpdateConnectionPlan(ctx context.Context, db *gorm.DB, id, plan string, channelLimit int) error {
	res := db.WithContext(ctx).
		Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]any{"plan": plan, "channel_limit": channelLimit})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
