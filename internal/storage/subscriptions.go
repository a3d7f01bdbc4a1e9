package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PushType names a push delivery transport.
type PushType string

const (
	PushTypeWebPush PushType = "web_push"
	PushTypeAPNS    PushType = "apns"
)

// PushSubscription is one registered delivery target for a user.
type PushSubscription struct {
	ID        uuid.UUID
	UserID    string
	PushType  PushType
	Endpoint  string
	AuthKey   string
	P256dhKey string
	// APNs device token; empty for web push subscriptions.
	DeviceToken string
	CreatedAt   time.Time
}

// AddSubscription registers a delivery target. Re-registering the same
// target for the same user is a no-op.
func (db *DB) AddSubscription(ctx context.Context, sub PushSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	return db.ExecuteCommand(ctx,
		`INSERT INTO push_subscriptions (id, user_id, push_type, endpoint, auth_key, p256dh_key, device_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, push_type, endpoint, device_token) DO NOTHING`,
		sub.ID, sub.UserID, string(sub.PushType), sub.Endpoint, sub.AuthKey, sub.P256dhKey, sub.DeviceToken)
}

// RemoveSubscription removes a delivery target by its endpoint or token.
func (db *DB) RemoveSubscription(ctx context.Context, userID string, pushType PushType, target string) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM push_subscriptions
		 WHERE user_id = $1 AND push_type = $2 AND (endpoint = $3 OR device_token = $3)`,
		userID, string(pushType), target)
}

// DeleteSubscriptionByID removes a single subscription row, used to prune
// definitively dead delivery targets after a failed send.
func (db *DB) DeleteSubscriptionByID(ctx context.Context, id uuid.UUID) error {
	return db.ExecuteCommand(ctx,
		`DELETE FROM push_subscriptions WHERE id = $1`, id)
}

// ListSubscriptions loads all delivery targets for the given users.
func (db *DB) ListSubscriptions(ctx context.Context, userIDs []string) (map[string][]PushSubscription, error) {
	subs := make(map[string][]PushSubscription, len(userIDs))
	if len(userIDs) == 0 {
		return subs, nil
	}
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, push_type, endpoint, auth_key, p256dh_key, device_token, created_at
		 FROM push_subscriptions WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load push subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sub      PushSubscription
			pushType string
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &pushType, &sub.Endpoint,
			&sub.AuthKey, &sub.P256dhKey, &sub.DeviceToken, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push subscription: %w", err)
		}
		sub.PushType = PushType(pushType)
		subs[sub.UserID] = append(subs[sub.UserID], sub)
	}
	return subs, rows.Err()
}
