package pubsub

import (
	"encoding/json"
	"time"
)

// Frame types.
const (
	frameWelcome              = "welcome"
	frameKeepalive            = "keepalive"
	frameReconnect            = "reconnect"
	frameNotification         = "notification"
	frameAuthenticate         = "authenticate"
	frameAuthenticateResponse = "authenticateResponse"
	frameSubscribe            = "subscribe"
	frameSubscribeResponse    = "subscribeResponse"
	frameUnsubscribe          = "unsubscribe"
	frameUnsubscribeResponse  = "unsubscribeResponse"

	errTooManySubscriptions = "too many subscriptions"
)

type outFrame struct {
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	Timestamp    string        `json:"timestamp"`
	Authenticate *authBody     `json:"authenticate,omitempty"`
	Subscribe    *subscription `json:"subscribe,omitempty"`
	Unsubscribe  *subscription `json:"unsubscribe,omitempty"`
}

type authBody struct {
	Token string `json:"token"`
}

type subscription struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	PubSub pubsubTopic `json:"pubsub"`
}

type pubsubTopic struct {
	Topic string `json:"topic"`
}

func authFrame(token string, now time.Time) outFrame {
	return outFrame{
		Type:         frameAuthenticate,
		ID:           newID(),
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Authenticate: &authBody{Token: token},
	}
}

// topicFrame builds a subscribe or unsubscribe frame. The frame id is the
// topic id so the response's parentId identifies the topic.
func topicFrame(typ string, t *Topic, now time.Time) outFrame {
	f := outFrame{Type: typ, ID: t.ID, Timestamp: now.UTC().Format(time.RFC3339Nano)}
	sub := &subscription{ID: t.ID, Type: "pubsub", PubSub: pubsubTopic{Topic: t.Name}}
	if typ == frameSubscribe {
		f.Subscribe = sub
	} else {
		f.Unsubscribe = sub
	}
	return f
}

type result struct {
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func (r *result) ok() bool { return r != nil && r.Result == "ok" }

// inFrame is the union of every server frame.
type inFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ParentID string `json:"parentId"`

	Welcome *struct {
		KeepaliveSec int `json:"keepaliveSec"`
	} `json:"welcome,omitempty"`
	AuthenticateResponse *result `json:"authenticateResponse,omitempty"`
	SubscribeResponse    *result `json:"subscribeResponse,omitempty"`
	UnsubscribeResponse  *result `json:"unsubscribeResponse,omitempty"`
	Notification         *struct {
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
		PubSub string `json:"pubsub"`
	} `json:"notification,omitempty"`
}

func decodeFrame(b []byte) (inFrame, error) {
	var f inFrame
	err := json.Unmarshal(b, &f)
	return f, err
}
