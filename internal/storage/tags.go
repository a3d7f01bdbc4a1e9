package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// TagKind names the mechanism that tagged a user on a message.
type TagKind string

const (
	TagMention    TagKind = "mention"
	TagReplyTo    TagKind = "reply_to"
	TagReaction   TagKind = "reaction"
	TagAtChannel  TagKind = "at_channel"
	TagAttachment TagKind = "attachment"
)

// NotificationTag marks one user on one inbound message. Tags are consumed
// by a dispatch pass for the channel and deleted afterwards.
type NotificationTag struct {
	ChannelID shared.StreamID
	UserID    string
	Tag       TagKind
	ThreadID  string
}

// AddTags records a batch of tags for a channel's pending message.
func (db *DB) AddTags(ctx context.Context, tags []NotificationTag) error {
	if len(tags) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tag := range tags {
		batch.Queue(
			`INSERT INTO notification_tags (channel_id, user_id, tag, thread_id)
			 VALUES ($1, $2, $3, $4)`,
			tag.ChannelID.String(), tag.UserID, string(tag.Tag), tag.ThreadID)
	}
	return db.ExecuteBatch(ctx, batch)
}

// ListTags returns all pending tags for a channel.
func (db *DB) ListTags(ctx context.Context, channelID shared.StreamID) ([]NotificationTag, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT channel_id, user_id, tag, thread_id FROM notification_tags
		 WHERE channel_id = $1 ORDER BY id`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load tags for %s: %w", channelID, err)
	}
	defer rows.Close()

	var tags []NotificationTag
	for rows.Next() {
		var (
			tag     NotificationTag
			channel string
			kind    string
		)
		if err := rows.Scan(&channel, &tag.UserID, &kind, &tag.ThreadID); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tag.ChannelID = shared.StreamID(channel)
		tag.Tag = TagKind(kind)
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// DeleteTags removes all pending tags for a channel after a dispatch pass.
func (db *DB) DeleteTags(ctx context.Context, channelID shared.StreamID) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM notification_tags WHERE channel_id = $1`, channelID.String())
}
