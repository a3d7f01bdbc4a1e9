package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/shared"
)

// processUpdate applies one SYNC_UPDATE: decode, dedup, fold membership
// into storage, hand messages to the dispatcher, then advance the cursor.
// The cursor moves only after every event in the batch has been handled.
func (s *Syncer) processUpdate(ctx context.Context, msg *protocol.SyncStreamsResponse) error {
	if msg.Stream == nil {
		return nil
	}

	parsed, err := protocol.ParseStreamAndCookie(msg.Stream, s.verifier)
	if err != nil {
		if protocol.IsCode(err, protocol.CodeBadEventSignature) {
			metrics.ErrorsCount.WithLabelValues("bad_event_signature").Inc()
		}
		return fmt.Errorf("failed to parse stream update: %w", err)
	}

	streamID := parsed.StreamID
	kind := streamID.Kind()

	if parsed.Snapshot != nil {
		if err := s.applySnapshot(ctx, streamID, kind, parsed.Snapshot); err != nil {
			s.log.Error("failed to apply stream snapshot",
				zap.String("stream_id", streamID.String()),
				zap.Error(err))
		}
	}

	for _, ev := range parsed.Events {
		if s.store.MarkEventSeen(ev.Hash) {
			continue
		}
		if err := s.applyEvent(ctx, streamID, kind, ev); err != nil {
			s.log.Error("failed to apply stream event",
				zap.String("stream_id", streamID.String()),
				zap.Error(err))
		}
	}

	return s.store.RecordCursor(ctx, streamID, parsed.NextCookie)
}

// applySnapshot replaces the stored membership with the snapshot state.
func (s *Syncer) applySnapshot(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind, snap *protocol.Snapshot) error {
	members := make([]string, 0, len(snap.JoinedAddresses))
	for _, addr := range snap.JoinedAddresses {
		members = append(members, shared.UserIDFromAddress(addr))
	}
	if snap.DMInception != nil {
		members = appendDMParties(members, snap.DMInception)
	}
	if len(members) == 0 {
		return nil
	}
	if err := s.store.ReplaceMembers(ctx, streamID, members); err != nil {
		return err
	}
	if kind == shared.StreamKindChannel {
		return s.store.EnsureChannelSettings(ctx, streamID, members)
	}
	return nil
}

func (s *Syncer) applyEvent(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind, ev *protocol.ParsedEvent) error {
	switch p := ev.Event.Payload.(type) {
	case *protocol.MemberPayload:
		return s.applyMembership(ctx, streamID, kind, p.Membership)
	case *protocol.ChannelPayload:
		if p.Inception != nil {
			return s.applyChannelInception(ctx, streamID, p.Inception)
		}
		if p.Message != nil {
			return s.dispatchMessage(ctx, streamID, shared.StreamKindChannel, ev, p.Message)
		}
	case *protocol.DMChannelPayload:
		if p.Inception != nil {
			return s.applyDMInception(ctx, streamID, p.Inception)
		}
		if p.Message != nil {
			return s.dispatchMessage(ctx, streamID, shared.StreamKindDM, ev, p.Message)
		}
	case *protocol.GDMChannelPayload:
		if p.Message != nil {
			return s.dispatchMessage(ctx, streamID, shared.StreamKindGDM, ev, p.Message)
		}
	case *protocol.MiniblockHeader:
		// Header state is consumed through the snapshot above.
	}
	return nil
}

func (s *Syncer) applyMembership(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind, m *protocol.Membership) error {
	if m == nil {
		return nil
	}
	userID := shared.UserIDFromAddress(m.UserAddress)

	switch m.Op {
	case protocol.MembershipOpJoin:
		if err := s.store.UpsertMember(ctx, streamID, userID); err != nil {
			return err
		}
		if kind == shared.StreamKindChannel {
			return s.store.EnsureChannelSettings(ctx, streamID, []string{userID})
		}
		return nil
	case protocol.MembershipOpLeave:
		if err := s.store.RemoveMember(ctx, streamID, userID); err != nil {
			return err
		}
		if kind == shared.StreamKindChannel {
			return s.store.DeleteChannelSettingForUser(ctx, userID, streamID)
		}
		return nil
	default:
		// Invites carry no notification state.
		return nil
	}
}

// applyChannelInception records the channel's parent space so later
// messages can resolve space-level mutes.
func (s *Syncer) applyChannelInception(ctx context.Context, streamID shared.StreamID, inc *protocol.ChannelInception) error {
	if len(inc.SpaceID) == 0 {
		return nil
	}
	spaceID, err := shared.StreamIDFromBytes(inc.SpaceID)
	if err != nil {
		return fmt.Errorf("channel inception has bad space id: %w", err)
	}
	return s.store.SetStreamParent(ctx, streamID, spaceID)
}

// applyDMInception seeds a DM stream's membership with its two parties.
func (s *Syncer) applyDMInception(ctx context.Context, streamID shared.StreamID, inc *protocol.DMChannelInception) error {
	for _, userID := range appendDMParties(nil, inc) {
		if err := s.store.UpsertMember(ctx, streamID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) dispatchMessage(ctx context.Context, streamID shared.StreamID, kind shared.StreamKind, ev *protocol.ParsedEvent, body *protocol.EncryptedData) error {
	metrics.EventsProcessed.WithLabelValues(string(kind)).Inc()

	event := notify.MessageEvent{
		StreamID:         streamID,
		Kind:             kind,
		SenderID:         ev.CreatorUserID(),
		EventHash:        ev.Hash,
		SessionID:        body.SessionID,
		Ciphertext:       body.Ciphertext,
		CreatedAtEpochMs: ev.Event.CreatedAtEpochMs,
	}

	if kind == shared.StreamKindChannel {
		spaceID, err := s.store.GetStreamParent(ctx, streamID)
		if err != nil {
			s.log.Debug("no parent space for channel",
				zap.String("stream_id", streamID.String()),
				zap.Error(err))
		}
		event.SpaceID = spaceID
		return s.dispatcher.HandleChannelMessage(ctx, event)
	}
	return s.dispatcher.HandleDirectMessage(ctx, event)
}

func appendDMParties(members []string, inc *protocol.DMChannelInception) []string {
	if len(inc.FirstPartyAddress) > 0 {
		members = append(members, shared.UserIDFromAddress(inc.FirstPartyAddress))
	}
	if len(inc.SecondPartyAddress) > 0 {
		members = append(members, shared.UserIDFromAddress(inc.SecondPartyAddress))
	}
	return members
}
