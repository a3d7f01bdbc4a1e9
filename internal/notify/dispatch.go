package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// settledSend is the recorded outcome of one delivery attempt.
type settledSend struct {
	sub    storage.PushSubscription
	result SendResult
}

// Dispatch fans a batch of notifications out to every subscription of every
// eligible user. All sends run concurrently and every outcome is collected;
// one failing subscription never aborts the batch. Subscriptions that fail
// definitively are deleted from the store.
func (e *Engine) Dispatch(ctx context.Context, notifications []*Notification) {
	userIDs := make([]string, 0, len(notifications))
	for _, n := range notifications {
		userIDs = append(userIDs, n.UserID)
	}

	subs, err := e.store.ListSubscriptions(ctx, userIDs)
	if err != nil {
		e.log.Error("failed to load push subscriptions", zap.Error(err))
		metrics.ErrorsCount.WithLabelValues("dispatch").Inc()
		return
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled []settledSend
	)
	for _, n := range notifications {
		for _, sub := range subs[n.UserID] {
			transport, ok := e.transports[sub.PushType]
			if !ok {
				continue
			}
			wg.Add(1)
			metrics.DispatchInFlight.Inc()
			go func(sub storage.PushSubscription, n *Notification) {
				defer wg.Done()
				defer metrics.DispatchInFlight.Dec()
				result := transport.Send(ctx, sub, n)
				mu.Lock()
				settled = append(settled, settledSend{sub: sub, result: result})
				mu.Unlock()
			}(sub, n)
		}
	}
	wg.Wait()

	for _, s := range settled {
		switch s.result.Status {
		case SendSuccess:
			metrics.NotificationsSent.WithLabelValues(string(s.sub.PushType)).Inc()
		case SendError:
			metrics.NotificationsFailed.WithLabelValues(string(s.sub.PushType)).Inc()
			e.log.Warn("push delivery failed",
				zap.String("user_id", s.sub.UserID),
				zap.String("push_type", string(s.sub.PushType)),
				zap.String("message", s.result.Message))
		case SendNotSubscribed:
			metrics.NotificationsFailed.WithLabelValues(string(s.sub.PushType)).Inc()
			metrics.SubscriptionsExpired.Inc()
			e.log.Info("deleting dead push subscription",
				zap.String("user_id", s.sub.UserID),
				zap.String("subscription_id", s.sub.ID.String()))
			if err := e.store.DeleteSubscriptionByID(ctx, s.sub.ID); err != nil {
				e.log.Warn("failed to delete dead subscription",
					zap.String("subscription_id", s.sub.ID.String()),
					zap.Error(err))
			}
		}
	}
}
