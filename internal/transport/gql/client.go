// Package gql sends chat messages through the platform's GraphQL endpoint.
package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"chatrelay/internal/retry"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

const DefaultURL = "https://gql.twitch.tv/gql"

const sendMessageQuery = `mutation($input: SendChatMessageInput!) {
	sendChatMessage(input: $input) {
		dropReason
		message {
			id
		}
	}
}`

const chatSettingsQuery = `query($login: String) {
	user(login: $login) {
		chatSettings {
			followersOnlyDurationMinutes
			isEmoteOnlyModeEnabled
			isSubscribersOnlyModeEnabled
			slowModeDurationSeconds
		}
	}
}`

type Config struct {
	URL      string
	ClientID string
	Token    string
	Timeout  time.Duration
	Retry    retry.Options
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.Component("gql")),
	}
}

func (c *Client) Name() string { return "gql" }

type Request struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Do posts one request and decodes its data into out. GraphQL-level errors and
// 4xx responses (except 408/429) are not retried.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	opt := c.cfg.Retry
	opt.Label = "gql"
	opt.Log = c.log
	return retry.Do(ctx, opt, func(ctx context.Context, _ int) error {
		return c.post(ctx, body, out)
	})
}

func (c *Client) post(ctx context.Context, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.NoRetry(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.ClientID != "" {
		httpReq.Header.Set("Client-Id", c.cfg.ClientID)
	}
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "OAuth "+c.cfg.Token)
	}

	if c.log.Enabled(logx.LevelDebug) {
		c.log.Debug("request", logx.String("body", string(body)))
	}
	res, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		se := &retry.StatusError{Code: res.StatusCode, Body: string(raw)}
		if res.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
				return retry.RetryAfter(se, time.Duration(secs)*time.Second)
			}
		}
		return se
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("gql: decode response: %w", err)
	}
	if len(r.Errors) > 0 {
		b, _ := json.Marshal(r.Errors)
		return retry.NoRetry(fmt.Errorf("gql: graphql errors: %s", b))
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return retry.NoRetry(fmt.Errorf("gql: decode data: %w", err))
	}
	return nil
}

// DropError reports a message the platform accepted but did not deliver.
type DropError struct{ Reason string }

func (e *DropError) Error() string { return "dropped: " + e.Reason }
func (e *DropError) Unwrap() error { return transport.ErrDropped }

// Send implements transport.Transport. A drop reason is retried like a
// transient failure.
func (c *Client) Send(ctx context.Context, channelID, _, text, nonce, parentID string) error {
	input := map[string]any{
		"channelID": channelID,
		"message":   text,
		"nonce":     nonce,
	}
	if parentID != "" {
		input["replyParentMessageID"] = parentID
	}
	body, err := json.Marshal(Request{Query: sendMessageQuery, Variables: map[string]any{"input": input}})
	if err != nil {
		return err
	}

	if c.log.Enabled(logx.LevelDebug) {
		c.log.Debug("send", logx.String("channel_id", channelID), logx.String("text", text))
	}
	opt := c.cfg.Retry
	opt.Label = "gql.send"
	opt.Log = c.log
	return retry.Do(ctx, opt, func(ctx context.Context, _ int) error {
		var out struct {
			SendChatMessage *struct {
				DropReason *string `json:"dropReason"`
				Message    *struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"sendChatMessage"`
		}
		if err := c.post(ctx, body, &out); err != nil {
			return err
		}
		if out.SendChatMessage != nil && out.SendChatMessage.DropReason != nil && *out.SendChatMessage.DropReason != "" {
			return &DropError{Reason: *out.SendChatMessage.DropReason}
		}
		return nil
	})
}

// ChatSettings is the subset of room settings the sender cares about.
type ChatSettings struct {
	SlowModeSeconds      int  `json:"slowModeDurationSeconds"`
	FollowersOnlyMinutes *int `json:"followersOnlyDurationMinutes"`
	EmoteOnly            bool `json:"isEmoteOnlyModeEnabled"`
	SubscribersOnly      bool `json:"isSubscribersOnlyModeEnabled"`
}

var ErrUserNotFound = errors.New("gql: user not found")

// ChatSettings fetches a channel's room settings. Without an IRC connection
// this is the only source of slow mode.
func (c *Client) ChatSettings(ctx context.Context, login string) (ChatSettings, error) {
	var out struct {
		User *struct {
			ChatSettings ChatSettings `json:"chatSettings"`
		} `json:"user"`
	}
	err := c.Do(ctx, Request{Query: chatSettingsQuery, Variables: map[string]any{"login": login}}, &out)
	if err != nil {
		return ChatSettings{}, err
	}
	if out.User == nil {
		return ChatSettings{}, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return out.User.ChatSettings, nil
}
