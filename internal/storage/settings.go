package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// UserSettings holds a user's global notification preferences. The zero
// value is the default for users without a settings row: nothing muted.
type UserSettings struct {
	UserID             string
	MentionMuted       bool
	ReplyToMuted       bool
	DirectMessageMuted bool
	BlockedUsers       []string
}

// IsBlocked reports whether sender is on the user's block list.
func (s UserSettings) IsBlocked(sender string) bool {
	for _, blocked := range s.BlockedUsers {
		if blocked == sender {
			return true
		}
	}
	return false
}

// GetUserSettings loads settings for the given users. Users without a row
// get zero-value settings so callers never need to special-case them.
func (db *DB) GetUserSettings(ctx context.Context, userIDs []string) (map[string]UserSettings, error) {
	settings := make(map[string]UserSettings, len(userIDs))
	for _, userID := range userIDs {
		settings[userID] = UserSettings{UserID: userID}
	}
	if len(userIDs) == 0 {
		return settings, nil
	}
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT user_id, mention_muted, reply_to_muted, direct_message_muted, blocked_users
		 FROM user_settings WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s UserSettings
		if err := rows.Scan(&s.UserID, &s.MentionMuted, &s.ReplyToMuted,
			&s.DirectMessageMuted, &s.BlockedUsers); err != nil {
			return nil, fmt.Errorf("failed to scan user settings: %w", err)
		}
		settings[s.UserID] = s
	}
	return settings, rows.Err()
}

// UpsertUserSettings writes a user's global settings row.
func (db *DB) UpsertUserSettings(ctx context.Context, s UserSettings) error {
	blocked := s.BlockedUsers
	if blocked == nil {
		blocked = []string{}
	}
	err := db.ExecuteCommand(ctx,
		`INSERT INTO user_settings (user_id, mention_muted, reply_to_muted, direct_message_muted, blocked_users, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   mention_muted = EXCLUDED.mention_muted,
		   reply_to_muted = EXCLUDED.reply_to_muted,
		   direct_message_muted = EXCLUDED.direct_message_muted,
		   blocked_users = EXCLUDED.blocked_users,
		   updated_at = now()`,
		s.UserID, s.MentionMuted, s.ReplyToMuted, s.DirectMessageMuted, blocked)
	if err == nil {
		metrics.DBOperations.WithLabelValues("settings_upsert").Inc()
	}
	return err
}

// DeleteUserSettings removes a user's global settings row.
func (db *DB) DeleteUserSettings(ctx context.Context, userID string) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM user_settings WHERE user_id = $1`, userID)
}

// SetChannelMute writes a per-channel mute override.
func (db *DB) SetChannelMute(ctx context.Context, userID string, channelID shared.StreamID, muted bool) error {
	return db.ExecuteCommand(ctx,
		`INSERT INTO user_channel_settings (user_id, channel_id, muted, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, channel_id) DO UPDATE SET muted = EXCLUDED.muted, updated_at = now()`,
		userID, channelID.String(), muted)
}

// DeleteChannelSettings drops all per-channel overrides for a channel,
// used when the stream itself goes away.
func (db *DB) DeleteChannelSettings(ctx context.Context, channelID shared.StreamID) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM user_channel_settings WHERE channel_id = $1`, channelID.String())
}

// DeleteChannelSettingForUser drops one user's override on a channel.
func (db *DB) DeleteChannelSettingForUser(ctx context.Context, userID string, channelID shared.StreamID) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM user_channel_settings WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID.String())
}

// EnsureChannelSettings creates default (unmuted) per-channel rows for the
// given users so the channel becomes discoverable by the streams monitor.
func (db *DB) EnsureChannelSettings(ctx context.Context, channelID shared.StreamID, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, userID := range userIDs {
		batch.Queue(
			`INSERT INTO user_channel_settings (user_id, channel_id)
			 VALUES ($1, $2)
			 ON CONFLICT (user_id, channel_id) DO NOTHING`,
			userID, channelID.String())
	}
	return db.ExecuteBatch(ctx, batch)
}

// SetSpaceMute writes a per-space mute override.
func (db *DB) SetSpaceMute(ctx context.Context, userID string, spaceID shared.StreamID, muted bool) error {
	return db.ExecuteCommand(ctx,
		`INSERT INTO user_space_settings (user_id, space_id, muted, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, space_id) DO UPDATE SET muted = EXCLUDED.muted, updated_at = now()`,
		userID, spaceID.String(), muted)
}

// ListMutedUsers returns the users muted on a channel or its parent space.
func (db *DB) ListMutedUsers(ctx context.Context, channelID, spaceID shared.StreamID) (map[string]bool, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	muted := make(map[string]bool)

	rows, err := db.Pool.Query(ctx,
		`SELECT user_id FROM user_channel_settings WHERE channel_id = $1 AND muted`,
		channelID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load channel mutes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan channel mute: %w", err)
		}
		muted[userID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if spaceID == "" {
		return muted, nil
	}

	spaceRows, err := db.Pool.Query(ctx,
		`SELECT user_id FROM user_space_settings WHERE space_id = $1 AND muted`,
		spaceID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load space mutes: %w", err)
	}
	defer spaceRows.Close()
	for spaceRows.Next() {
		var userID string
		if err := spaceRows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan space mute: %w", err)
		}
		muted[userID] = true
	}
	return muted, spaceRows.Err()
}
