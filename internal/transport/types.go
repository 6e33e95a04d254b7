package transport

import "time"

type UpdateKind string

const (
	UpdateMessage   UpdateKind = "message"
	UpdateRoomState UpdateKind = "roomstate"
	UpdateNotice    UpdateKind = "notice"
)

// Update is one inbound event from a chat connection.
type Update struct {
	Kind      UpdateKind
	Message   *Message
	RoomState *RoomState
	Notice    *Notice
}

// Message is a chat line observed in a joined channel.
type Message struct {
	ID           string
	ChannelID    string
	ChannelLogin string
	UserID       string
	UserLogin    string
	Text         string
	Nonce        string // client-nonce tag, empty when absent
	ParentID     string // reply-parent-msg-id tag
	Action       bool
	// Privileged is set for moderators, VIPs and the broadcaster.
	Privileged bool
	SentAt     time.Time
}

// RoomState carries the channel settings that affect sending.
type RoomState struct {
	ChannelID    string
	ChannelLogin string
	// SlowSeconds is -1 when the update did not include the slow tag.
	SlowSeconds   int
	FollowersOnly int
	EmoteOnly     bool
	SubsOnly      bool
}

type Notice struct {
	ChannelLogin string
	MsgID        string
	Text         string
}

// Handler receives inbound updates. It must not block for long.
type Handler func(Update)
