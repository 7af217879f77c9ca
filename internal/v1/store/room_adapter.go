package store

import (
	"context"
	"fmt"

	"github.com/chatrouter/engine/internal/v1/room"
)

// ChatForVisitor adapts GetChatByVisitor to room.Store's shape.
func (db *DB) ChatForVisitor(ctx context.Context, visitorID string) (room.ChatInfo, error) {
	chat, err := db.GetChatByVisitor(ctx, visitorID)
	if err != nil {
		return room.ChatInfo{}, fmt.Errorf("failed to load chat: %w", err)
	}
	return room.ChatInfo{ID: chat.ID, SeverityLevel: chat.SeverityLevel}, nil
}

// AppendChatMessage adapts AppendMessage to room.Store's shape.
func (db *DB) AppendChatMessage(ctx context.Context, chatID string, seq int64, typeID int, senderStaffID *string, content any) (room.MessageInfo, error) {
	msg, err := db.AppendMessage(ctx, chatID, seq, typeID, senderStaffID, content)
	if err != nil {
		return room.MessageInfo{}, fmt.Errorf("failed to append message: %w", err)
	}
	return room.MessageInfo{SequenceNum: msg.SequenceNum}, nil
}

// StaffEmail adapts GetStaff to room.Store's shape.
func (db *DB) StaffEmail(ctx context.Context, staffID string) (room.StaffInfo, error) {
	staff, err := db.GetStaff(ctx, staffID)
	if err != nil {
		return room.StaffInfo{}, fmt.Errorf("failed to load staff: %w", err)
	}
	return room.StaffInfo{Email: staff.Email}, nil
}

// RoomSettings adapts GetAllSettings to room.Store's shape.
func (db *DB) RoomSettings(ctx context.Context) (room.Settings, error) {
	s, err := db.GetAllSettings(ctx)
	if err != nil {
		return room.Settings{}, fmt.Errorf("failed to load room settings: %w", err)
	}
	return room.Settings{
		MaxStaffsInChat: s.MaxStaffsInChat,
		AutoAssign:      s.AutoAssign,
	}, nil
}
