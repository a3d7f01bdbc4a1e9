package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// SyncedStream is one stream the service keeps in sync. Cookie is nil until
// the first update has been recorded.
type SyncedStream struct {
	StreamID  shared.StreamID
	Kind      shared.StreamKind
	Cookie    *protocol.SyncCookie
	UpdatedAt time.Time
}

// CreateSyncedStream registers a stream for syncing. Creating an already
// registered stream is a no-op.
func (db *DB) CreateSyncedStream(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind) error {
	return db.ExecuteCommand(ctx,
		`INSERT INTO synced_streams (stream_id, kind)
		 VALUES ($1, $2)
		 ON CONFLICT (stream_id) DO NOTHING`,
		streamID.String(), string(kind))
}

// DeleteSyncedStream removes a stream and its membership rows.
func (db *DB) DeleteSyncedStream(ctx context.Context, streamID shared.StreamID) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM synced_streams WHERE stream_id = $1`, streamID.String())
	batch.Queue(`DELETE FROM stream_members WHERE stream_id = $1`, streamID.String())
	return db.ExecuteBatch(ctx, batch)
}

// ListSyncedStreams returns every registered stream with its resume cookie.
func (db *DB) ListSyncedStreams(ctx context.Context) ([]SyncedStream, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT stream_id, kind, sync_cookie, updated_at FROM synced_streams`)
	if err != nil {
		return nil, fmt.Errorf("failed to list synced streams: %w", err)
	}
	defer rows.Close()

	var streams []SyncedStream
	for rows.Next() {
		var (
			id          string
			kind        string
			cookieBytes []byte
			updatedAt   time.Time
		)
		if err := rows.Scan(&id, &kind, &cookieBytes, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan synced stream: %w", err)
		}
		s := SyncedStream{
			StreamID:  shared.StreamID(id),
			Kind:      shared.StreamKind(kind),
			UpdatedAt: updatedAt,
		}
		if len(cookieBytes) > 0 {
			cookie, err := protocol.UnmarshalSyncCookie(cookieBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to decode cookie for stream %s: %w", id, err)
			}
			s.Cookie = cookie
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// RecordCursor advances a stream's resume cookie. Writes with a minipool
// generation behind the stored one are dropped so the cursor never moves
// backwards.
func (db *DB) RecordCursor(ctx context.Context, streamID shared.StreamID, cookie *protocol.SyncCookie) error {
	err := db.ExecuteCommand(ctx,
		`UPDATE synced_streams
		 SET sync_cookie = $2, minipool_gen = $3, updated_at = now()
		 WHERE stream_id = $1 AND minipool_gen <= $3`,
		streamID.String(), protocol.MarshalSyncCookie(cookie), cookie.MinipoolGen)
	if err == nil {
		metrics.DBOperations.WithLabelValues("cursor_upsert").Inc()
	}
	return err
}

// SetStreamParent records a channel's parent space, learned from the
// channel inception event.
func (db *DB) SetStreamParent(ctx context.Context, streamID, parentID shared.StreamID) error {
	return db.ExecuteCommand(ctx,
		`UPDATE synced_streams SET parent_id = $2 WHERE stream_id = $1`,
		streamID.String(), parentID.String())
}

// GetStreamParent returns a channel's parent space id, or empty when none
// is recorded.
func (db *DB) GetStreamParent(ctx context.Context, streamID shared.StreamID) (shared.StreamID, error) {
	row, err := db.ExecuteQuery(ctx,
		`SELECT parent_id FROM synced_streams WHERE stream_id = $1`,
		streamID.String())
	if err != nil {
		return "", err
	}
	var parent string
	err = row.Scan(&parent)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load parent of %s: %w", streamID, err)
	}
	return shared.StreamID(parent), nil
}

// UpsertMember records that a user joined a stream.
func (db *DB) UpsertMember(ctx context.Context, streamID shared.StreamID, userID string) error {
	return db.ExecuteCommand(ctx,
		`INSERT INTO stream_members (stream_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (stream_id, user_id) DO NOTHING`,
		streamID.String(), userID)
}

// RemoveMember records that a user left a stream.
func (db *DB) RemoveMember(ctx context.Context, streamID shared.StreamID, userID string) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM stream_members WHERE stream_id = $1 AND user_id = $2`,
		streamID.String(), userID)
}

// ReplaceMembers replaces a stream's membership from a snapshot.
func (db *DB) ReplaceMembers(ctx context.Context, streamID shared.StreamID, userIDs []string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM stream_members WHERE stream_id = $1`, streamID.String())
	for _, userID := range userIDs {
		batch.Queue(
			`INSERT INTO stream_members (stream_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (stream_id, user_id) DO NOTHING`,
			streamID.String(), userID)
	}
	return db.ExecuteBatch(ctx, batch)
}

// ListMembers returns the user ids joined to a stream.
func (db *DB) ListMembers(ctx context.Context, streamID shared.StreamID) ([]string, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT user_id FROM stream_members WHERE stream_id = $1`, streamID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", streamID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// ListStaleChannelIDs returns synced channel streams that no user holds
// settings for anymore. The streams monitor prunes these.
func (db *DB) ListStaleChannelIDs(ctx context.Context) ([]shared.StreamID, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT stream_id FROM synced_streams
		 WHERE kind = $1
		 AND stream_id NOT IN (SELECT DISTINCT channel_id FROM user_channel_settings)`,
		string(shared.StreamKindChannel))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale channels: %w", err)
	}
	defer rows.Close()

	var ids []shared.StreamID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale channel id: %w", err)
		}
		ids = append(ids, shared.StreamID(id))
	}
	return ids, rows.Err()
}

// ListUnsyncedChannelIDs returns channel ids that have per-channel settings
// but no synced stream row yet. The streams monitor picks these up.
func (db *DB) ListUnsyncedChannelIDs(ctx context.Context) ([]shared.StreamID, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT DISTINCT channel_id FROM user_channel_settings
		 WHERE channel_id NOT IN (SELECT stream_id FROM synced_streams)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced channels: %w", err)
	}
	defer rows.Close()

	var ids []shared.StreamID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel id: %w", err)
		}
		ids = append(ids, shared.StreamID(id))
	}
	return ids, rows.Err()
}
