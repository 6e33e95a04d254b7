package pubsub

import (
	"encoding/base64"

	"github.com/google/uuid"
)

type TopicState uint8

const (
	Subscribing TopicState = iota
	Subscribed
	Unsubscribing
)

func (s TopicState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// Topic is one logical subscription: a feed for one entity.
type Topic struct {
	ID       string
	Name     string // feed + "." + entity id
	EntityID string
	State    TopicState
	ConnID   int // 0 while unassigned

	rejects int // "too many subscriptions" answers so far
}

func topicName(feed, entityID string) string { return feed + "." + entityID }

// newID returns 22 url-safe characters from a random uuid. Topic ids double
// as frame ids, so responses can be matched back by parentId.
func newID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}
