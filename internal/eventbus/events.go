package eventbus

import "time"

// Event types.
const (
	ChatSent     = "chat.sent"
	ChatFailed   = "chat.failed"
	ChatFiltered = "chat.filtered"

	ChannelJoined      = "channel.joined"
	ChannelParted      = "channel.parted"
	ChannelJoinFailed  = "channel.join_failed"
	ChannelSuspended   = "channel.suspended"
	ChannelUnsuspended = "channel.unsuspended"
	ChannelRenamed     = "channel.renamed"

	PubSubConnected    = "pubsub.connected"
	PubSubDisconnected = "pubsub.disconnected"
	PubSubDropped      = "pubsub.topic_dropped"
	PubSubRaid         = "pubsub.raid"
	PubSubModeration   = "pubsub.moderation"
	PubSubPrediction   = "pubsub.prediction"
)

// ChatEvent describes one outbound message.
type ChatEvent struct {
	ChannelID    string `json:"channel_id"`
	ChannelLogin string `json:"channel_login"`
	Length       int    `json:"length"`
	Privileged   bool   `json:"privileged,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	Error        string `json:"error,omitempty"`
}

type ChannelEvent struct {
	ID    string `json:"id,omitempty"`
	Login string `json:"login"`
	From  string `json:"from,omitempty"`
	Error string `json:"error,omitempty"`
}

type PubSubEvent struct {
	ConnID   int            `json:"conn_id"`
	Topic    string         `json:"topic,omitempty"`
	EntityID string         `json:"entity_id,omitempty"`
	Topics   int            `json:"topics,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}
