package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// APNSTransport is the Apple push transport. Delivery is not implemented;
// subscriptions are accepted and sends report a transient error until the
// transport is wired to an APNs provider.
//
// TODO: wire to an APNs HTTP/2 provider once the signing key handling lands.
type APNSTransport struct {
	cfg config.APNSConfig
	log *zap.Logger
}

// NewAPNSTransport builds the APNs transport from configuration.
func NewAPNSTransport(cfg config.APNSConfig) *APNSTransport {
	return &APNSTransport{cfg: cfg, log: logger.New("apns")}
}

func (t *APNSTransport) Type() storage.PushType { return storage.PushTypeAPNS }

func (t *APNSTransport) Send(ctx context.Context, sub storage.PushSubscription, n *Notification) SendResult {
	if !t.cfg.Enabled {
		return SendResult{Status: SendError, Message: "apns transport disabled"}
	}
	t.log.Debug("apns delivery skipped",
		zap.String("user_id", sub.UserID),
		zap.String("kind", string(n.Kind)))
	return SendResult{Status: SendError, Message: "apns delivery not implemented"}
}
