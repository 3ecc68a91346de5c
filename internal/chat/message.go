// Package chat defines the conversation data model shared by the
// coordinator and controller: messages, receipts, views, the chat
// registry, and the pure helpers that classify engine output.
package chat

import "time"

// MessageType describes who authored a message.
type MessageType string

const (
	// MessageSent is a message authored by the player.
	MessageSent MessageType = "sent"
	// MessageReceived is a message authored by a story character.
	MessageReceived MessageType = "received"
	// MessageSystem is a non-character message shown inline in a thread.
	MessageSystem MessageType = "system"
)

// Receipt describes the delivery state of a player-authored message.
type Receipt int

const (
	// ReceiptNone indicates no receipt applies.
	ReceiptNone Receipt = iota
	// ReceiptSent indicates the message left the device.
	ReceiptSent
	// ReceiptDelivered indicates the message reached the recipient.
	ReceiptDelivered
	// ReceiptRead indicates the recipient read the message.
	ReceiptRead
)

// String returns the lowercase receipt name used in persisted snapshots.
func (r Receipt) String() string {
	switch r {
	case ReceiptSent:
		return "sent"
	case ReceiptDelivered:
		return "delivered"
	case ReceiptRead:
		return "read"
	default:
		return "none"
	}
}

// Message is one entry in a chat thread. Messages are immutable once
// appended to history except for in-place receipt upgrades.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Receipt   Receipt     `json:"receipt,omitempty"`
	// Label names a player message so scripts can upgrade its receipt later.
	Label string `json:"label,omitempty"`
	// IsSeed marks pre-existing backstory injected at session start.
	IsSeed bool `json:"is_seed,omitempty"`
	// StatusOnly marks a synthetic record (presence change) that is never
	// rendered as a bubble and never counts toward unread.
	StatusOnly bool `json:"status_only,omitempty"`
}

// ViewKind identifies the currently displayed surface.
type ViewKind string

const (
	// ViewLockscreen is the pre-session lock screen.
	ViewLockscreen ViewKind = "lockscreen"
	// ViewHub is the chat list.
	ViewHub ViewKind = "hub"
	// ViewChat is an open conversation.
	ViewChat ViewKind = "chat"
)

// View is the single currently-displayed surface.
type View struct {
	Kind   ViewKind `json:"kind"`
	ChatID string   `json:"chat_id,omitempty"`
}

// Shows reports whether the view is the open conversation for chatID.
func (v View) Shows(chatID string) bool {
	return v.Kind == ViewChat && v.ChatID == chatID
}
