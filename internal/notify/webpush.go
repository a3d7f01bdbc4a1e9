package notify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// webPushPayload is the JSON body delivered to the service worker.
type webPushPayload struct {
	Kind      string `json:"kind"`
	ChannelID string `json:"channelId"`
	SpaceID   string `json:"spaceId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	SenderID  string `json:"senderId"`
	SessionID string `json:"sessionId,omitempty"`
	EventHash string `json:"eventHash,omitempty"`
}

// WebPushTransport delivers notifications over the Web Push protocol with
// VAPID authentication.
type WebPushTransport struct {
	cfg config.PushConfig
}

// NewWebPushTransport builds the web push transport from configuration.
func NewWebPushTransport(cfg config.PushConfig) *WebPushTransport {
	return &WebPushTransport{cfg: cfg}
}

func (t *WebPushTransport) Type() storage.PushType { return storage.PushTypeWebPush }

func (t *WebPushTransport) Send(ctx context.Context, sub storage.PushSubscription, n *Notification) SendResult {
	body, err := json.Marshal(webPushPayload{
		Kind:      string(n.Kind),
		ChannelID: n.ChannelID.String(),
		SpaceID:   n.SpaceID.String(),
		ThreadID:  n.ThreadID,
		SenderID:  n.SenderID,
		SessionID: n.SessionID,
		EventHash: hex.EncodeToString(n.EventHash),
	})
	if err != nil {
		return SendResult{Status: SendError, Message: fmt.Sprintf("encode payload: %v", err)}
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.AuthKey,
			P256dh: sub.P256dhKey,
		},
	}, &webpush.Options{
		Subscriber:      t.cfg.WebPush.Subject,
		VAPIDPublicKey:  t.cfg.WebPush.VapidPublicKey,
		VAPIDPrivateKey: t.cfg.WebPush.VapidPrivateKey,
		TTL:             t.cfg.TTLSeconds,
	})
	if err != nil {
		return SendResult{Status: SendError, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The push service no longer knows this endpoint.
		return SendResult{Status: SendNotSubscribed, Message: resp.Status}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendResult{Status: SendSuccess}
	default:
		return SendResult{Status: SendError, Message: resp.Status}
	}
}
