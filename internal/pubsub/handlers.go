package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Kind is the "type" field of a notification payload.
type Kind string

const (
	KindModerationAction  Kind = "user_moderation_action"
	KindRaidUpdate        Kind = "raid_update_v2"
	KindPresence          Kind = "presence"
	KindPredictionCreated Kind = "event-created"
	KindPredictionUpdated Kind = "event-updated"
	KindPredictionResult  Kind = "prediction-result"
)

// Feeds subscribed per user and per channel by default.
var (
	DefaultUserFeeds    = []string{"chatrooms-user-v1", "presence"}
	DefaultChannelFeeds = []string{"raid"}
)

// Notification is one routed server push.
type Notification struct {
	Kind       Kind
	Topic      string
	EntityID   string
	ConnID     int
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (n Notification) Decode(v any) error { return json.Unmarshal(n.Payload, v) }

type Handler func(ctx context.Context, n Notification)

// Handlers routes notifications by kind. Known kinds have a field each;
// anything else is looked up in Other. A missing handler drops the
// notification silently.
type Handlers struct {
	ModerationAction Handler
	RaidUpdate       Handler
	Presence         Handler
	// Prediction receives all three prediction lifecycle kinds.
	Prediction Handler
	Other      map[Kind]Handler
}

func (h *Handlers) lookup(k Kind) Handler {
	if h == nil {
		return nil
	}
	switch k {
	case KindModerationAction:
		return h.ModerationAction
	case KindRaidUpdate:
		return h.RaidUpdate
	case KindPresence:
		return h.Presence
	case KindPredictionCreated, KindPredictionUpdated, KindPredictionResult:
		return h.Prediction
	}
	return h.Other[k]
}

// Payload shapes for the known kinds.

type ModerationAction struct {
	Type string `json:"type"`
	Data struct {
		ChannelID string `json:"channel_id"`
		TargetID  string `json:"target_id"`
		Action    string `json:"action"`
		Reason    string `json:"reason"`
	} `json:"data"`
}

type RaidUpdate struct {
	Type string `json:"type"`
	Raid struct {
		ID                string `json:"id"`
		SourceID          string `json:"source_id"`
		TargetID          string `json:"target_id"`
		TargetLogin       string `json:"target_login"`
		TargetDisplayName string `json:"target_display_name"`
		CreatorID         string `json:"creator_id"`
		ViewerCount       int    `json:"viewer_count"`
	} `json:"raid"`
}

type Presence struct {
	Type string `json:"type"`
	Data struct {
		UserID   json.Number `json:"user_id"`
		Activity *struct {
			Type               string `json:"type"`
			ChannelID          string `json:"channel_id"`
			ChannelLogin       string `json:"channel_login"`
			ChannelDisplayName string `json:"channel_display_name"`
			Game               string `json:"game"`
		} `json:"activity"`
	} `json:"data"`
}

type PredictionEvent struct {
	Type string `json:"type"`
	Data struct {
		Event *struct {
			ID               string `json:"id"`
			ChannelID        string `json:"channel_id"`
			Title            string `json:"title"`
			Status           string `json:"status"`
			WinningOutcomeID string `json:"winning_outcome_id"`
		} `json:"event"`
		Prediction *struct {
			EventID string `json:"event_id"`
			Points  int    `json:"points"`
			Result  struct {
				Type string `json:"type"`
			} `json:"result"`
		} `json:"prediction"`
	} `json:"data"`
}
