// Package services - ChannelService
//
// This file implements the channel lifecycle state machine: join/leave/
// archive/unarchive membership flips, in-place channel id rewrites, rename
// tracking, app uninstall, and plan-quota evaluation. Quota policy is
// deliberate fairness by seniority: channels are ordered by creation time and
// the oldest N stay ACTIVE under the limit, so a plan change penalizes the
// newest channels, never long-established ones.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rs/zerolog/log"

	"github.com/threadsync/go-ticket-bridge/internal/domain"
	"github.com/threadsync/go-ticket-bridge/internal/repo"
	"github.com/threadsync/go-ticket-bridge/internal/slack"
)

// ChannelService owns channel lifecycle mutations. All methods are safe to
// call from webhook handlers; none of them touch the Zendesk API.
type ChannelService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewChannelService constructs a ChannelService.
func NewChannelService(db *gorm.DB) *ChannelService {
	return &ChannelService{DB: db}
}

// EnsureChannel returns the Channel row for slackID, creating it if the bot
// was added without a prior join event. New rows run the quota check: a
// workspace at or over its channel limit gets the row parked as
// PENDING_UPGRADE instead of ACTIVE.
func (s *ChannelService) EnsureChannel(ctx context.Context, conn *domain.Connection, slackID, name string) (*domain.Channel, error) {
	ch, err := repo.GetChannelBySlackID(ctx, s.DB, conn.ID, slackID)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	status := domain.ChannelStatusActive
	if over, qerr := s.atQuota(ctx, conn); qerr != nil {
		return nil, qerr
	} else if over {
		status = domain.ChannelStatusPendingUpgrade
	}

	ch, err = repo.CreateChannel(ctx, s.DB, &domain.Channel{
		ConnectionID: conn.ID,
		SlackID:      slackID,
		Name:         name,
		IsMember:     true,
		Status:       status,
	})
	if err != nil {
		// Racing join events: someone else inserted first; reuse theirs.
		if existing, gerr := repo.GetChannelBySlackID(ctx, s.DB, conn.ID, slackID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("slack_channel", slackID).
		Str("status", status).
		Msg("channel tracked")
	return ch, nil
}

// atQuota reports whether the connection has no headroom for another active
// channel. ChannelLimit 0 means unlimited.
func (s *ChannelService) atQuota(ctx context.Context, conn *domain.Connection) (bool, error) {
	if conn.ChannelLimit <= 0 {
		return false, nil
	}
	active, err := repo.CountActiveChannels(ctx, s.DB, conn.ID)
	if err != nil {
		return false, err
	}
	return active >= int64(conn.ChannelLimit), nil
}

// HandleJoin processes a member_joined_channel event for the bot: it creates
// or re-activates the Channel row (quota check applies to new rows only).
func (s *ChannelService) HandleJoin(ctx context.Context, conn *domain.Connection, ev *slack.Event) error {
	ch, err := s.EnsureChannel(ctx, conn, ev.Channel, channelNameOf(ev))
	if err != nil {
		return err
	}
	if !ch.IsMember {
		return repo.UpdateChannelMembership(ctx, s.DB, ch.ID, true)
	}
	return nil
}

// HandleLeave processes channel_left / group_left / channel_archive: the bot
// is no longer a member; conversations and their history are retained.
func (s *ChannelService) HandleLeave(ctx context.Context, conn *domain.Connection, ev *slack.Event) error {
	ch, err := repo.GetChannelBySlackID(ctx, s.DB, conn.ID, ev.Channel)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // never tracked; nothing to flip
	}
	if err != nil {
		return err
	}
	return repo.UpdateChannelMembership(ctx, s.DB, ch.ID, false)
}

// HandleUnarchive restores membership. The quota check is intentionally not
// re-run here: quota is enforced at join time and at plan changes, and
// deactivating a channel with live ticket history on unarchive would be a
// worse surprise than temporarily exceeding the limit.
func (s *ChannelService) HandleUnarchive(ctx context.Context, conn *domain.Connection, ev *slack.Event) error {
	ch, err := repo.GetChannelBySlackID(ctx, s.DB, conn.ID, ev.Channel)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return repo.UpdateChannelMembership(ctx, s.DB, ch.ID, true)
}

// HandleRename records the channel's new name.
func (s *ChannelService) HandleRename(ctx context.Context, conn *domain.Connection, ev *slack.Event) error {
	name := channelNameOf(ev)
	if name == "" {
		return nil
	}
	ch, err := repo.GetChannelBySlackID(ctx, s.DB, conn.ID, ev.Channel)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return repo.UpdateChannelName(ctx, s.DB, ch.ID, name)
}

// HandleIDChanged rewrites the external channel id in place when Slack
// reassigns it. The row's primary key and all conversation foreign keys are
// preserved; only the external identifier moves.
func (s *ChannelService) HandleIDChanged(ctx context.Context, conn *domain.Connection, ev *slack.Event) error {
	if ev.OldChannelID == "" || ev.NewChannelID == "" {
		return nil
	}
	err := repo.RewriteChannelSlackID(ctx, s.DB, conn.ID, ev.OldChannelID, ev.NewChannelID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// HandleUninstall soft-disables the connection. The row and all historical
// conversations stay; a re-install re-activates the same connection.
func (s *ChannelService) HandleUninstall(ctx context.Context, conn *domain.Connection) error {
	return repo.UpdateConnectionStatus(ctx, s.DB, conn.ID, domain.ConnectionStatusDisabled)
}

// Dispatch routes a classified lifecycle event to its mutation.
func (s *ChannelService) Dispatch(ctx context.Context, conn *domain.Connection, ev *slack.Event) error {
	switch ev.Type {
	case slack.EventMemberJoined:
		return s.HandleJoin(ctx, conn, ev)
	case slack.EventChannelLeft, slack.EventGroupLeft, slack.EventChannelArchive:
		return s.HandleLeave(ctx, conn, ev)
	case slack.EventChannelUnarchive:
		return s.HandleUnarchive(ctx, conn, ev)
	case slack.EventChannelRename:
		return s.HandleRename(ctx, conn, ev)
	case slack.EventChannelIDChanged:
		return s.HandleIDChanged(ctx, conn, ev)
	case slack.EventAppUninstalled:
		return s.HandleUninstall(ctx, conn)
	default:
		return nil
	}
}

// ReevaluateQuota re-applies the channel quota after a plan change. Channels
// are walked in creation order: the oldest limit-many joined channels end up
// ACTIVE, every younger one PENDING_UPGRADE. Upgrades therefore reactivate
// the youngest parked channels; downgrades park the newest active ones.
func (s *ChannelService) ReevaluateQuota(ctx context.Context, conn *domain.Connection) error {
	channels, err := repo.ListChannels(ctx, s.DB, conn.ID)
	if err != nil {
		return err
	}
	limit := conn.ChannelLimit
	activeSeen := 0
	for _, ch := range channels {
		if !ch.IsMember {
			continue
		}
		want := domain.ChannelStatusActive
		if limit > 0 && activeSeen >= limit {
			want = domain.ChannelStatusPendingUpgrade
		} else {
			activeSeen++
		}
		if ch.Status != want {
			if err := repo.UpdateChannelStatus(ctx, s.DB, ch.ID, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandlePlanChange persists the new plan and re-evaluates quota across the
// connection's channels.
func (s *ChannelService) HandlePlanChange(ctx context.Context, conn *domain.Connection, plan string, channelLimit int) error {
	if err := repo.UpdateConnectionPlan(ctx, s.DB, conn.ID, plan, channelLimit); err != nil {
		return err
	}
	conn.Plan, conn.ChannelLimit = plan, channelLimit
	return s.ReevaluateQuota(ctx, conn)
}

// channelNameOf extracts the channel name from rename/join payload shapes.
func channelNameOf(ev *slack.Event) string {
	if ev.ChannelInfo != nil {
		return ev.ChannelInfo.Name
	}
	return ""
}

// touchActivity is shared by the sync paths to stamp channel liveness.
func touchActivity(ctx context.Context, db *gorm.DB, channelID string, at time.Time) {
	if err := repo.TouchChannelActivity(ctx, db, channelID, at); err != nil {
		log.Warn().Err(err).Str("channel_id", channelID).Msg("touch channel activity failed")
	}
}
