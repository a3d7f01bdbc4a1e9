// Package web exposes the notification service's HTTP API: settings
// management, push subscription registration, tag ingestion, explicit
// notify requests, and the health endpoint.
package web

import (
	"context"
	"encoding/base64"
	"net/http"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/constants"
	"github.com/towns-protocol/towns-sub009/internal/health"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/shared"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// Store is the persistence surface the API handlers consume.
type Store interface {
	UpsertUserSettings(ctx context.Context, s storage.UserSettings) error
	DeleteUserSettings(ctx context.Context, userID string) error
	SetChannelMute(ctx context.Context, userID string, channelID shared.StreamID, muted bool) error
	SetSpaceMute(ctx context.Context, userID string, spaceID shared.StreamID, muted bool) error
	AddSubscription(ctx context.Context, sub storage.PushSubscription) error
	RemoveSubscription(ctx context.Context, userID string, pushType storage.PushType, target string) error
	AddTags(ctx context.Context, tags []storage.NotificationTag) error
	GetStreamParent(ctx context.Context, streamID shared.StreamID) (shared.StreamID, error)
}

// Notifier accepts message events for eligibility and delivery.
type Notifier interface {
	HandleChannelMessage(ctx context.Context, event notify.MessageEvent) error
	HandleDirectMessage(ctx context.Context, event notify.MessageEvent) error
}

// Registrar accepts stream ids first seen through the API so they can be
// backfilled into sync. May be nil.
type Registrar interface {
	AddNewStreams(ctx context.Context, streamIDs ...shared.StreamID)
}

// Handler implements the API endpoints.
type Handler struct {
	store     Store
	notifier  Notifier
	registrar Registrar
	checker   *health.Checker
	log       *zap.Logger
}

// NewHandler builds the API handler set.
func NewHandler(store Store, notifier Notifier, registrar Registrar, checker *health.Checker) *Handler {
	return &Handler{
		store:     store,
		notifier:  notifier,
		registrar: registrar,
		checker:   checker,
		log:       logger.New("web"),
	}
}

/* ------------------------------------------------------------------ *
|  Health                                                             |
* -------------------------------------------------------------------*/

// HandleHealth reports aggregate component health. Degraded still returns
// 200 so orchestrators keep the instance alive while sync reconnects.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

/* ------------------------------------------------------------------ *
|  Explicit notify                                                    |
* -------------------------------------------------------------------*/

// HandleNotifyUsers delivers a notification to an explicit recipient list,
// bypassing stored membership. Per-user mutes and blocks still apply.
func (h *Handler) HandleNotifyUsers(w http.ResponseWriter, r *http.Request) {
	var req notifyUsersRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	streamID := shared.StreamID(req.ChannelID)
	kind := streamID.Kind()
	if kind == shared.StreamKindUnknown {
		writeError(w, http.StatusBadRequest, "channel_id is not a channel, DM, or GDM stream")
		return
	}

	var ciphertext []byte
	if req.Ciphertext != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Ciphertext)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ciphertext is not valid base64")
			return
		}
		ciphertext = decoded
	}

	event := notify.MessageEvent{
		StreamID:   streamID,
		Kind:       kind,
		SenderID:   req.SenderID,
		SessionID:  req.SessionID,
		Ciphertext: ciphertext,
		Recipients: req.Recipients,
	}

	var err error
	if kind == shared.StreamKindChannel {
		event.SpaceID, _ = h.store.GetStreamParent(r.Context(), streamID)
		err = h.notifier.HandleChannelMessage(r.Context(), event)
	} else {
		if h.registrar != nil {
			h.registrar.AddNewStreams(context.WithoutCancel(r.Context()), streamID)
		}
		err = h.notifier.HandleDirectMessage(r.Context(), event)
	}
	if err != nil {
		metrics.ErrorsCount.WithLabelValues("dispatch").Inc()
		h.log.Error("notify-users dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to dispatch notifications")
		return
	}
	writeOK(w)
}

/* ------------------------------------------------------------------ *
|  Settings                                                           |
* -------------------------------------------------------------------*/

// HandleUpsertSettings replaces a user's global notification settings.
func (h *Handler) HandleUpsertSettings(w http.ResponseWriter, r *http.Request) {
	var req userSettingsRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings := storage.UserSettings{
		UserID:             req.UserID,
		MentionMuted:       req.MentionMuted,
		ReplyToMuted:       req.ReplyToMuted,
		DirectMessageMuted: req.DirectMessageMuted,
		BlockedUsers:       req.BlockedUsers,
	}
	if err := h.store.UpsertUserSettings(r.Context(), settings); err != nil {
		h.storageError(w, "failed to save settings", err)
		return
	}
	writeOK(w)
}

// HandleDeleteSettings resets a user to default notification settings.
func (h *Handler) HandleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	if err := h.store.DeleteUserSettings(r.Context(), userID); err != nil {
		h.storageError(w, "failed to delete settings", err)
		return
	}
	writeOK(w)
}

// HandleChannelMute sets or clears a user's mute on one channel.
func (h *Handler) HandleChannelMute(w http.ResponseWriter, r *http.Request) {
	var req channelMuteRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channelID := shared.StreamID(req.ChannelID)
	if err := h.store.SetChannelMute(r.Context(), req.UserID, channelID, req.Muted); err != nil {
		h.storageError(w, "failed to set channel mute", err)
		return
	}
	writeOK(w)
}

// HandleSpaceMute sets or clears a user's mute on a whole space.
func (h *Handler) HandleSpaceMute(w http.ResponseWriter, r *http.Request) {
	var req spaceMuteRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spaceID := shared.StreamID(req.SpaceID)
	if err := h.store.SetSpaceMute(r.Context(), req.UserID, spaceID, req.Muted); err != nil {
		h.storageError(w, "failed to set space mute", err)
		return
	}
	writeOK(w)
}

/* ------------------------------------------------------------------ *
|  Subscriptions                                                      |
* -------------------------------------------------------------------*/

// HandleAddSubscription registers a push delivery target for a user.
func (h *Handler) HandleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var req addSubscriptionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := storage.PushSubscription{
		UserID:      req.UserID,
		PushType:    storage.PushType(req.PushType),
		Endpoint:    req.Endpoint,
		AuthKey:     req.AuthKey,
		P256dhKey:   req.P256dhKey,
		DeviceToken: req.DeviceToken,
	}
	if err := h.store.AddSubscription(r.Context(), sub); err != nil {
		h.storageError(w, "failed to add subscription", err)
		return
	}
	writeOK(w)
}

// HandleRemoveSubscription unregisters a push delivery target.
func (h *Handler) HandleRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	var req removeSubscriptionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.RemoveSubscription(r.Context(), req.UserID, storage.PushType(req.PushType), req.Target); err != nil {
		h.storageError(w, "failed to remove subscription", err)
		return
	}
	writeOK(w)
}

/* ------------------------------------------------------------------ *
|  Tags                                                               |
* -------------------------------------------------------------------*/

// HandleAddTags records the tags the client computed for a pending
// message. The batch is capped to keep a single message from flooding
// the tag table.
func (h *Handler) HandleAddTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Tags) > constants.NotificationTagLimit {
		writeError(w, http.StatusBadRequest, "too many tags in one request")
		return
	}

	channelID := shared.StreamID(req.ChannelID)
	tags := make([]storage.NotificationTag, 0, len(req.Tags))
	for _, entry := range req.Tags {
		tags = append(tags, storage.NotificationTag{
			ChannelID: channelID,
			UserID:    entry.UserID,
			Tag:       storage.TagKind(entry.Tag),
			ThreadID:  entry.ThreadID,
		})
	}
	if err := h.store.AddTags(r.Context(), tags); err != nil {
		h.storageError(w, "failed to save tags", err)
		return
	}
	writeOK(w)
}

func (h *Handler) storageError(w http.ResponseWriter, msg string, err error) {
	metrics.ErrorsCount.WithLabelValues("database").Inc()
	h.log.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}
