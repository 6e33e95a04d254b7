// Package transport defines the delivery contract shared by the IRC and GQL
// senders.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Transport delivers one chat message. Implementations retry transient
// failures themselves; a returned error means the message was abandoned.
type Transport interface {
	Name() string
	Send(ctx context.Context, channelID, channelLogin, text, nonce, parentID string) error
}

// ErrDropped is returned when the platform accepted the request but dropped
// the message (rate limit, duplicate, slow mode). It is retryable.
var ErrDropped = errors.New("transport: message dropped")

// Nonce returns a 32-character hex token used to recognize the bot's own
// messages when they echo back.
func Nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Func adapts a function to Transport. Used by tests and dry runs.
type Func func(ctx context.Context, channelID, channelLogin, text, nonce, parentID string) error

func (f Func) Name() string { return "func" }

func (f Func) Send(ctx context.Context, channelID, channelLogin, text, nonce, parentID string) error {
	return f(ctx, channelID, channelLogin, text, nonce, parentID)
}
