// Package session implements C1, the Session Registry: the live-connection
// hub that authenticates WebSocket upgrades, tracks presence, and routes
// wire-protocol events into C2-C8. Grounded on the teacher's hub.go/
// client.go connection-lifecycle shape, rewritten for JSON framing
// (the teacher used protobuf over binary frames; this domain's wire format
// is plain {"event":...,"payload":...} JSON per spec).
package session

import "encoding/json"

// Identity kinds, mirrored from auth.Identity.Kind.
const (
	KindVisitor = "visitor"
	KindStaff   = "staff"
)

// Staff roles, increasing authority: admin(1) > supervisor(2) > agent(3).
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
)

// Client-to-server event names (spec.md §6.1).
const (
	EventVisitorFirstMsg     = "visitor_first_msg"
	EventVisitorMsgUnclaimed = "visitor_msg_unclaimed"
	EventVisitorMsg          = "visitor_msg"
	EventVisitorLeaveRoom    = "visitor_leave_room"
	EventStaffJoin           = "staff_join"
	EventStaffMsg            = "staff_msg"
	EventStaffLeaveRoom      = "staff_leave_room"
	EventAddStaffToChat      = "add_staff_to_chat"
	EventRemoveStaffFromChat = "remove_staff_from_chat"
	EventUpdateStaffsInChat  = "update_staffs_in_chat"
	EventTakeOverChat        = "take_over_chat"
	EventChangeChatPriority  = "change_chat_priority"
	EventStaffHandledChat    = "staff_handled_chat"
	EventUserTypingSend      = "user_typing_send"
	EventUserStopTypingSend  = "user_stop_typing_send"
	EventDisconnectRequest   = "disconnect_request"
)

// Server-to-client event names (spec.md §6.1, selection).
const (
	EventVisitorInit                       = "visitor_init"
	EventStaffInit                         = "staff_init"
	EventStaffGoesOnline                   = "staff_goes_online"
	EventStaffGoesOffline                  = "staff_goes_offline"
	EventVisitorGoesOnline                 = "visitor_goes_online"
	EventVisitorGoesOffline                = "visitor_goes_offline"
	EventAppendUnclaimedChats               = "append_unclaimed_chats"
	EventVisitorUnclaimedMsg                = "visitor_unclaimed_msg"
	EventRemoveVisitorOfflineChat           = "remove_visitor_offline_chat"
	EventUnclaimedChatToOffline              = "unclaimed_chat_to_offline"
	EventStaffClaimChat                      = "staff_claim_chat"
	EventStaffJoinRoom                       = "staff_join_room"
	EventStaffLeave                          = "staff_leave"
	EventVisitorSend                         = "visitor_send"
	EventStaffSend                           = "staff_send"
	EventVisitorLeaveQueue                   = "visitor_leave_queue"
	EventNoStaffLeft                         = "no_staff_left"
	EventStaffBeingAddedToChat               = "staff_being_added_to_chat"
	EventStaffBeingRemovedFromChat           = "staff_being_removed_from_chat"
	EventStaffBeingTakenOverChat             = "staff_being_taken_over_chat"
	EventStaffTakeOverChat                   = "staff_take_over_chat"
	EventAgentNewChat                        = "agent_new_chat"
	EventNewVisitorMsgForSupervisor          = "new_visitor_msg_for_supervisor"
	EventNewStaffMsgForSupervisor            = "new_staff_msg_for_supervisor"
	EventChatHasChangedPriorityForSupervisor = "chat_has_changed_priority_for_supervisor"
	EventStaffHandledChatForSupervisor       = "staff_handled_chat_for_supervisor"
	EventStaffLeaveChatForSupervisor         = "staff_leave_chat_for_supervisor"
	EventVisitorLeaveChatForSupervisor       = "visitor_leave_chat_for_supervisor"
	EventStaffsInChatChanged                 = "staffs_in_chat_changed"
	EventUserTypingReceive                   = "user_typing_receive"
	EventUserStopTypingReceive                = "user_stop_typing_receive"
	EventVisitorRoomExists                    = "visitor_room_exists"
	EventStaffAutoAssignedChat                = "staff_auto_assigned_chat"
)

// Message is the wire frame: {"event":"...","payload":{...}}.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Ack is the structured response every client-to-server event returns
// (spec.md §7 "all event handlers return a structured ack; they never
// throw across the protocol boundary").
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func okAck(data any) Ack  { return Ack{OK: true, Data: data} }
func errAck(msg string) Ack { return Ack{OK: false, Error: msg} }

// VisitorMsgPayload is the content object carried by visitor_first_msg,
// visitor_msg_unclaimed and visitor_msg.
type VisitorMsgPayload struct {
	Value string `json:"value"`
}

// VisitorRefPayload carries just a visitor id.
type VisitorRefPayload struct {
	Visitor string `json:"visitor"`
}

// StaffMsgPayload carries a staff reply's content.
type StaffMsgPayload struct {
	Visitor string         `json:"visitor"`
	Content map[string]any `json:"content"`
}

// StaffSetPayload carries either a single staff id or a list, for
// add/remove/update_staffs_in_chat.
type StaffSetPayload struct {
	Visitor string   `json:"visitor"`
	Staff   string   `json:"staff,omitempty"`
	Staffs  []string `json:"staffs,omitempty"`
}

// ChangePriorityPayload carries a severity update.
type ChangePriorityPayload struct {
	Visitor       string `json:"visitor"`
	SeverityLevel int    `json:"severity_level"`
	FlagMessage   string `json:"flag_message,omitempty"`
}
