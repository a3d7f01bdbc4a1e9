package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const maxRequestBody = 1 << 20 // 1 MiB

/* ------------------------------------------------------------------ *
|  Request types                                                      |
* -------------------------------------------------------------------*/

type notifyUsersRequest struct {
	ChannelID  string   `json:"channel_id"  validate:"required,len=64,hexadecimal"`
	SenderID   string   `json:"sender_id"   validate:"required"`
	Recipients []string `json:"recipients"  validate:"required,min=1,dive,required"`
	SessionID  string   `json:"session_id"`
	// Base64-encoded opaque payload forwarded to clients.
	Ciphertext string `json:"ciphertext"`
}

type userSettingsRequest struct {
	UserID             string   `json:"user_id" validate:"required"`
	MentionMuted       bool     `json:"mention_muted"`
	ReplyToMuted       bool     `json:"reply_to_muted"`
	DirectMessageMuted bool     `json:"direct_message_muted"`
	BlockedUsers       []string `json:"blocked_users" validate:"dive,required"`
}

type channelMuteRequest struct {
	UserID    string `json:"user_id"    validate:"required"`
	ChannelID string `json:"channel_id" validate:"required,len=64,hexadecimal"`
	Muted     bool   `json:"muted"`
}

type spaceMuteRequest struct {
	UserID  string `json:"user_id"  validate:"required"`
	SpaceID string `json:"space_id" validate:"required,len=64,hexadecimal"`
	Muted   bool   `json:"muted"`
}

type addSubscriptionRequest struct {
	UserID   string `json:"user_id"   validate:"required"`
	PushType string `json:"push_type" validate:"required,oneof=web_push apns"`
	// Web push fields.
	Endpoint  string `json:"endpoint"   validate:"required_if=PushType web_push"`
	AuthKey   string `json:"auth_key"   validate:"required_if=PushType web_push"`
	P256dhKey string `json:"p256dh_key" validate:"required_if=PushType web_push"`
	// APNs field.
	DeviceToken string `json:"device_token" validate:"required_if=PushType apns"`
}

type removeSubscriptionRequest struct {
	UserID   string `json:"user_id"   validate:"required"`
	PushType string `json:"push_type" validate:"required,oneof=web_push apns"`
	// The web push endpoint or APNs device token being unregistered.
	Target string `json:"target" validate:"required"`
}

type tagEntry struct {
	UserID   string `json:"user_id"   validate:"required"`
	Tag      string `json:"tag"       validate:"required,oneof=mention reply_to reaction at_channel attachment"`
	ThreadID string `json:"thread_id"`
}

type tagsRequest struct {
	ChannelID string     `json:"channel_id" validate:"required,len=64,hexadecimal"`
	Tags      []tagEntry `json:"tags"       validate:"required,min=1,dive"`
}

/* ------------------------------------------------------------------ *
|  Encoding helpers                                                   |
* -------------------------------------------------------------------*/

// decodeRequest parses a JSON body into dst and validates it.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
