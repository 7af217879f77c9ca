package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/chatrouter/engine/internal/v1/chaterr"
	"github.com/chatrouter/engine/internal/v1/notify"
	"github.com/chatrouter/engine/internal/v1/room"
)

// route dispatches a decoded client-to-server event to its handler, turning
// any returned error into a structured Ack per spec.md §7 ("handlers never
// throw across the protocol boundary").
func (h *Hub) route(ctx context.Context, sess *Session, msg Message) Ack {
	var err error
	switch msg.Event {
	case EventVisitorFirstMsg:
		err = h.handleVisitorFirstMsg(ctx, sess, msg.Payload)
	case EventVisitorMsgUnclaimed:
		err = h.handleVisitorMsgUnclaimed(ctx, sess, msg.Payload)
	case EventVisitorMsg:
		err = h.handleVisitorMsg(ctx, sess, msg.Payload)
	case EventVisitorLeaveRoom:
		err = h.handleVisitorLeaveRoom(ctx, sess)
	case EventStaffJoin:
		err = h.handleStaffJoin(ctx, sess, msg.Payload)
	case EventStaffMsg:
		err = h.handleStaffMsg(ctx, sess, msg.Payload)
	case EventStaffLeaveRoom:
		err = h.handleStaffLeaveRoom(ctx, sess, msg.Payload)
	case EventAddStaffToChat:
		err = h.handleAddStaffToChat(ctx, sess, msg.Payload)
	case EventRemoveStaffFromChat:
		err = h.handleRemoveStaffFromChat(ctx, sess, msg.Payload)
	case EventUpdateStaffsInChat:
		err = h.handleUpdateStaffsInChat(ctx, sess, msg.Payload)
	case EventTakeOverChat:
		err = h.handleTakeOverChat(ctx, sess, msg.Payload)
	case EventChangeChatPriority:
		err = h.handleChangeChatPriority(ctx, sess, msg.Payload)
	case EventStaffHandledChat:
		err = h.handleStaffHandledChat(ctx, sess, msg.Payload)
	case EventUserTypingSend:
		err = h.handleTyping(ctx, sess, msg.Payload, EventUserTypingReceive)
	case EventUserStopTypingSend:
		err = h.handleTyping(ctx, sess, msg.Payload, EventUserStopTypingReceive)
	case EventDisconnectRequest:
		err = h.handleDisconnectRequest(ctx, sess)
	default:
		err = chaterr.Validation("event", "unknown event type")
	}

	if err != nil {
		slog.Warn("event handler returned error", "sid", sess.SID, "event", msg.Event, "error", err)
		return errAck(err.Error())
	}
	return okAck(nil)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, chaterr.Validation("payload", "malformed json")
	}
	return v, nil
}

const (
	msgTypeSystem = 0
	msgTypeUser   = 1
)

func requireStaff(sess *Session) error {
	if sess.Identity.Kind != KindStaff {
		return chaterr.ErrPermissionDenied
	}
	return nil
}

func requireVisitor(sess *Session) error {
	if sess.Identity.Kind != KindVisitor {
		return chaterr.ErrPermissionDenied
	}
	return nil
}

// canManageStaffing governs add/remove/update_staffs_in_chat and take_over_chat:
// only supervisors and admins may reshuffle who is subscribed to a chat.
func canManageStaffing(role string) bool {
	return role == RoleSupervisor || role == RoleAdmin
}

// --- visitor-originated events ---

// handleVisitorFirstMsg appends the opening message and enqueues the chat
// into the online-unclaimed queue (spec.md §4.1).
func (h *Hub) handleVisitorFirstMsg(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireVisitor(sess); err != nil {
		return err
	}
	payload, err := decode[VisitorMsgPayload](raw)
	if err != nil {
		return err
	}
	return h.appendVisitorMessage(ctx, sess, payload.Value, true)
}

// handleVisitorMsgUnclaimed appends a follow-up message while the chat is
// still unclaimed.
func (h *Hub) handleVisitorMsgUnclaimed(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireVisitor(sess); err != nil {
		return err
	}
	payload, err := decode[VisitorMsgPayload](raw)
	if err != nil {
		return err
	}
	return h.appendVisitorMessage(ctx, sess, payload.Value, true)
}

// handleVisitorMsg appends a message once the chat has an assigned staff.
func (h *Hub) handleVisitorMsg(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireVisitor(sess); err != nil {
		return err
	}
	payload, err := decode[VisitorMsgPayload](raw)
	if err != nil {
		return err
	}
	return h.appendVisitorMessage(ctx, sess, payload.Value, false)
}

func (h *Hub) appendVisitorMessage(ctx context.Context, sess *Session, value string, trackUnclaimed bool) error {
	if value == "" {
		return chaterr.Validation("value", "must not be empty")
	}
	visitorID := sess.Identity.ID
	orgID := sess.Identity.OrgID

	events, err := h.room.UpdateAtomically(ctx, visitorID, func(snap *room.Snapshot) (*room.Snapshot, []room.Event, error) {
		seq, err := h.bumpAndAppend(ctx, snap, nil, value)
		if err != nil {
			return nil, nil, err
		}
		snap.SequenceNum = seq
		return snap, []room.Event{{
			Name:    EventVisitorSend,
			Payload: map[string]any{"visitor": visitorID, "value": value, "sequence_num": seq},
		}}, nil
	})
	if err != nil {
		return err
	}
	if err := h.queue.MarkUnhandled(ctx, orgID, visitorID); err != nil {
		return err
	}
	if trackUnclaimed {
		if err := h.queue.PushOnlineUnclaimed(ctx, orgID, visitorID, value); err != nil {
			return err
		}
		h.publishEvents(ctx, visitorID, sess.SID, nil, []room.Event{{Name: EventVisitorUnclaimedMsg,
			Payload: map[string]any{"visitor": visitorID, "value": value}}})
	}
	h.publishEvents(ctx, visitorID, sess.SID, nil, events)
	_ = h.bus.PublishOrg(ctx, orgID, EventNewVisitorMsgForSupervisor, map[string]any{"visitor": visitorID, "value": value}, sess.SID)
	return nil
}

// bumpAndAppend appends a durable message at the next sequence number for
// snap's chat. The caller is responsible for writing snap.SequenceNum back
// through room.Manager's atomic update once this returns.
func (h *Hub) bumpAndAppend(ctx context.Context, snap *room.Snapshot, senderStaffID *string, value string) (int64, error) {
	seq := snap.SequenceNum + 1
	content := map[string]string{"value": value}
	if _, err := h.store.AppendChatMessage(ctx, snap.ChatID, seq, msgTypeUser, senderStaffID, content); err != nil {
		return 0, err
	}
	return seq, nil
}

// appendSystemMessage records a type=0 ChatMessage outside of an in-flight
// room.UpdateAtomically (used by handlers that mutate room.staffs through
// AddStaff/ReplaceStaffs rather than the snapshot-transition closure).
func (h *Hub) appendSystemMessage(ctx context.Context, visitorID string, senderStaffID *string, text string) error {
	snap, err := h.room.Snapshot(ctx, visitorID)
	if err != nil {
		return err
	}
	if snap == nil {
		return chaterr.ErrRoomClosed
	}
	seq, err := h.room.BumpSequence(ctx, visitorID)
	if err != nil {
		return err
	}
	_, err = h.store.AppendChatMessage(ctx, snap.ChatID, seq, msgTypeSystem, senderStaffID, map[string]string{"content": text})
	return err
}

func (h *Hub) handleVisitorLeaveRoom(ctx context.Context, sess *Session) error {
	if err := requireVisitor(sess); err != nil {
		return err
	}
	h.leaveRoom(sess.Identity.ID, sess)
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventVisitorLeaveChatForSupervisor,
		map[string]string{"visitor": sess.Identity.ID}, sess.SID)
	return nil
}

// --- staff-originated events ---

// handleStaffJoin claims/joins a visitor's room (spec.md §4.2): joins the
// local room topic, records live presence, and — if the chat was
// unclaimed — removes it from the unclaimed queues.
func (h *Hub) handleStaffJoin(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	payload, err := decode[VisitorRefPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}

	staffID := sess.Identity.ID
	if err := h.room.AddStaff(ctx, payload.Visitor, staffID, sess.SID); err != nil {
		return err
	}
	h.joinRoom(ctx, payload.Visitor, sess)
	if err := h.queue.RemoveAssigned(ctx, sess.Identity.OrgID, payload.Visitor); err != nil {
		return err
	}
	if err := h.appendSystemMessage(ctx, payload.Visitor, &staffID, "join room"); err != nil {
		slog.Warn("failed to append staff_join system message", "error", err)
	}

	h.publishEvents(ctx, payload.Visitor, sess.SID, nil, []room.Event{{
		Name:    EventStaffJoinRoom,
		Payload: map[string]string{"visitor": payload.Visitor, "staff": staffID},
	}})
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventStaffClaimChat,
		map[string]string{"visitor": payload.Visitor, "staff": staffID}, sess.SID)
	return nil
}

func (h *Hub) handleStaffMsg(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	payload, err := decode[StaffMsgPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}

	value, _ := payload.Content["value"].(string)
	staffID := sess.Identity.ID

	events, err := h.room.UpdateAtomically(ctx, payload.Visitor, func(snap *room.Snapshot) (*room.Snapshot, []room.Event, error) {
		if _, ok := snap.Staffs[staffID]; !ok {
			return nil, nil, chaterr.ErrPermissionDenied
		}
		seq, err := h.bumpAndAppend(ctx, snap, &staffID, value)
		if err != nil {
			return nil, nil, err
		}
		snap.SequenceNum = seq
		return snap, []room.Event{{
			Name:    EventStaffSend,
			Payload: map[string]any{"visitor": payload.Visitor, "staff": staffID, "content": payload.Content, "sequence_num": seq},
		}}, nil
	})
	if err != nil {
		return err
	}
	if err := h.queue.ClearUnhandled(ctx, payload.Visitor); err != nil {
		return err
	}
	h.publishEvents(ctx, payload.Visitor, sess.SID, nil, events)
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventNewStaffMsgForSupervisor,
		map[string]any{"visitor": payload.Visitor, "staff": staffID}, sess.SID)
	return nil
}

func (h *Hub) handleStaffLeaveRoom(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	payload, err := decode[VisitorRefPayload](raw)
	if err != nil {
		return err
	}
	h.leaveRoom(payload.Visitor, sess)
	if err := h.room.ClearStaffSID(ctx, payload.Visitor, sess.Identity.ID, sess.SID); err != nil {
		return err
	}
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventStaffLeaveChatForSupervisor,
		map[string]string{"visitor": payload.Visitor, "staff": sess.Identity.ID}, sess.SID)
	return nil
}

func (h *Hub) handleAddStaffToChat(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	if !canManageStaffing(sess.Identity.Role) {
		return chaterr.ErrPermissionDenied
	}
	payload, err := decode[StaffSetPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" || payload.Staff == "" {
		return chaterr.Validation("staff", "required")
	}
	if err := h.room.AddStaff(ctx, payload.Visitor, payload.Staff, ""); err != nil {
		return err
	}
	if err := h.notifier.NotifyInApp(ctx, payload.Staff, notify.CategoryNewAssignedChat, map[string]string{"visitor": payload.Visitor}); err != nil {
		slog.Warn("failed to notify added staff", "error", err)
	}
	h.broadcastStaffsChanged(ctx, sess, payload.Visitor)
	return nil
}

func (h *Hub) handleRemoveStaffFromChat(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	if !canManageStaffing(sess.Identity.Role) {
		return chaterr.ErrPermissionDenied
	}
	payload, err := decode[StaffSetPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" || payload.Staff == "" {
		return chaterr.Validation("staff", "required")
	}
	if err := h.room.RemoveStaff(ctx, payload.Visitor, payload.Staff); err != nil {
		return err
	}
	if err := h.notifier.NotifyInApp(ctx, payload.Staff, notify.CategoryRemovedFromChat, map[string]string{"visitor": payload.Visitor}); err != nil {
		slog.Warn("failed to notify removed staff", "error", err)
	}
	h.broadcastStaffsChanged(ctx, sess, payload.Visitor)
	return nil
}

func (h *Hub) handleUpdateStaffsInChat(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	if !canManageStaffing(sess.Identity.Role) {
		return chaterr.ErrPermissionDenied
	}
	payload, err := decode[StaffSetPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}
	next := make(map[string]room.StaffRef, len(payload.Staffs))
	for _, id := range payload.Staffs {
		next[id] = room.StaffRef{StaffID: id}
	}
	if err := h.room.ReplaceStaffs(ctx, payload.Visitor, next); err != nil {
		return err
	}
	h.broadcastStaffsChanged(ctx, sess, payload.Visitor)
	return nil
}

// handleTakeOverChat replaces the current staff set with the caller alone,
// announcing to every previously-subscribed staff and to the monitor topic
// regardless of whether one or several staff were displaced (spec.md §9
// decision 4 fixes the teacher-derived bug where the "many displaced"
// branch skipped the monitor announcement).
func (h *Hub) handleTakeOverChat(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	if !canManageStaffing(sess.Identity.Role) {
		return chaterr.ErrPermissionDenied
	}
	payload, err := decode[VisitorRefPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}

	prior, err := h.room.Snapshot(ctx, payload.Visitor)
	if err != nil {
		return err
	}
	if prior == nil {
		return chaterr.ErrRoomClosed
	}
	displaced := make([]string, 0, len(prior.Staffs))
	for id := range prior.Staffs {
		if id != sess.Identity.ID {
			displaced = append(displaced, id)
		}
	}

	staffID := sess.Identity.ID
	if err := h.room.ReplaceStaffs(ctx, payload.Visitor, map[string]room.StaffRef{
		staffID: {StaffID: staffID, SID: sess.SID},
	}); err != nil {
		return err
	}
	h.joinRoom(ctx, payload.Visitor, sess)
	if err := h.appendSystemMessage(ctx, payload.Visitor, &staffID, "take over room"); err != nil {
		slog.Warn("failed to append take_over_chat system message", "error", err)
	}

	for _, id := range displaced {
		if err := h.notifier.NotifyInApp(ctx, id, notify.CategoryRemovedFromChat, map[string]string{"visitor": payload.Visitor}); err != nil {
			slog.Warn("failed to notify displaced staff", "error", err)
		}
	}
	_ = h.bus.Publish(ctx, payload.Visitor, EventStaffTakeOverChat,
		map[string]any{"visitor": payload.Visitor, "staff": sess.Identity.ID, "displaced": displaced}, sess.SID, nil)
	_ = h.bus.PublishMonitor(ctx, sess.Identity.OrgID, EventStaffBeingTakenOverChat,
		map[string]any{"visitor": payload.Visitor, "staff": sess.Identity.ID, "displaced": displaced}, sess.SID)
	return nil
}

func (h *Hub) handleChangeChatPriority(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	payload, err := decode[ChangePriorityPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}
	if err := h.room.SetSeverity(ctx, payload.Visitor, payload.SeverityLevel, payload.FlagMessage); err != nil {
		return err
	}
	_ = h.bus.Publish(ctx, payload.Visitor, EventChatHasChangedPriorityForSupervisor,
		map[string]any{"visitor": payload.Visitor, "severity_level": payload.SeverityLevel}, sess.SID, nil)
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventChatHasChangedPriorityForSupervisor,
		map[string]any{"visitor": payload.Visitor, "severity_level": payload.SeverityLevel}, sess.SID)
	return nil
}

func (h *Hub) handleStaffHandledChat(ctx context.Context, sess *Session, raw json.RawMessage) error {
	if err := requireStaff(sess); err != nil {
		return err
	}
	payload, err := decode[VisitorRefPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}
	if err := h.queue.ClearUnhandled(ctx, payload.Visitor); err != nil {
		return err
	}
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventStaffHandledChatForSupervisor,
		map[string]string{"visitor": payload.Visitor, "staff": sess.Identity.ID}, sess.SID)
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, sess *Session, raw json.RawMessage, serverEvent string) error {
	payload, err := decode[VisitorRefPayload](raw)
	if err != nil {
		return err
	}
	if payload.Visitor == "" {
		return chaterr.Validation("visitor", "required")
	}
	return h.bus.Publish(ctx, payload.Visitor, serverEvent,
		map[string]string{"visitor": payload.Visitor, "from": sess.Identity.ID, "kind": sess.Identity.Kind}, sess.SID, nil)
}

func (h *Hub) handleDisconnectRequest(ctx context.Context, sess *Session) error {
	if sess.Identity.Kind == KindVisitor {
		return h.handleVisitorLeaveRoom(ctx, sess)
	}
	rooms, _, _ := sess.snapshot()
	var firstErr error
	for _, vID := range rooms {
		if err := h.handleStaffLeaveRoom(ctx, sess, mustRaw(VisitorRefPayload{Visitor: vID})); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// broadcastStaffsChanged re-reads the authoritative staff set and fans it
// out to the room plus the org's supervisors/admins.
func (h *Hub) broadcastStaffsChanged(ctx context.Context, sess *Session, visitorID string) {
	snap, err := h.room.Snapshot(ctx, visitorID)
	if err != nil || snap == nil {
		return
	}
	ids := make([]string, 0, len(snap.Staffs))
	for id := range snap.Staffs {
		ids = append(ids, id)
	}
	payload := map[string]any{"visitor": visitorID, "staffs": ids}
	_ = h.bus.Publish(ctx, visitorID, EventStaffsInChatChanged, payload, sess.SID, nil)
	_ = h.bus.PublishOrg(ctx, sess.Identity.OrgID, EventStaffsInChatChanged, payload, sess.SID)
}

// publishEvents fans out every room.Event produced by an atomic update.
func (h *Hub) publishEvents(ctx context.Context, visitorID, senderSID string, roles []string, events []room.Event) {
	for _, ev := range events {
		if err := h.bus.Publish(ctx, visitorID, ev.Name, ev.Payload, senderSID, roles); err != nil {
			slog.Error("failed to publish room event", "event", ev.Name, "error", err)
		}
	}
}

func visitorInitPayload(snap *room.Snapshot) any {
	if snap == nil {
		return nil
	}
	staffs := make([]string, 0, len(snap.Staffs))
	for id := range snap.Staffs {
		staffs = append(staffs, id)
	}
	return map[string]any{
		"visitor":        snap.VisitorID,
		"sequence_num":   snap.SequenceNum,
		"severity_level": snap.SeverityLevel,
		"staffs":         staffs,
	}
}

func staffInitPayload(rooms []*room.Snapshot, unclaimed any, bookmarked any) any {
	roomsOut := make([]map[string]any, 0, len(rooms))
	for _, snap := range rooms {
		roomsOut = append(roomsOut, visitorInitPayload(snap).(map[string]any))
	}
	return map[string]any{
		"rooms":      roomsOut,
		"unclaimed":  unclaimed,
		"bookmarked": bookmarked,
	}
}
