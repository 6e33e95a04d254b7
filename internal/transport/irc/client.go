// Package irc is a chat connection speaking the IRC line protocol over a
// websocket. It is both a send Transport and the membership backend used by
// the channel manager.
package irc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/internal/retry"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

var (
	ErrNotConnected = errors.New("irc: not connected")
	ErrJoinTimeout  = errors.New("irc: join not confirmed")
	ErrJoinRejected = errors.New("irc: join rejected")
)

type Config struct {
	URL   string
	Login string
	// Token is the OAuth token without the "oauth:" prefix.
	Token string

	// WriteRate and WriteBurst pace every outbound line.
	WriteRate  rate.Limit
	WriteBurst int

	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval is how often the client pings the server to detect a dead socket.
	PingInterval time.Duration

	Retry retry.Options
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = "wss://irc-ws.chat.twitch.tv:443"
	}
	if c.WriteRate <= 0 {
		c.WriteRate = 20
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 20
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = time.Minute
	}
}

type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	log     logx.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{} // closed once the server welcomed the current session
	joined  map[string]struct{}
	waiters map[string][]chan error // "JOIN #x" / "PART #x" -> confirmation waiters
	handler transport.Handler

	writeMu sync.Mutex
}

func New(cfg Config, log logx.Logger) *Client {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:     log.With(logx.Component("irc")),
		limiter: rate.NewLimiter(cfg.WriteRate, cfg.WriteBurst),
		ready:   make(chan struct{}),
		joined:  map[string]struct{}{},
		waiters: map[string][]chan error{},
	}
}

func (c *Client) Name() string { return "irc" }

// OnUpdate registers the inbound handler. Call before Serve.
func (c *Client) OnUpdate(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Serve runs one connection session and returns when it ends. Channels that
// were joined in an earlier session are rejoined after the welcome. Run it
// under a restart loop.
func (c *Client) Serve(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("irc dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer c.teardown(conn)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	login := strings.ToLower(c.cfg.Login)
	handshake := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:" + strings.TrimPrefix(c.cfg.Token, "oauth:"),
		"NICK " + login,
	}
	if c.cfg.Token == "" {
		handshake[1] = "PASS SCHMOOPIIE"
	}
	for _, line := range handshake {
		if err := c.writeRaw(conn, line); err != nil {
			return err
		}
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("irc read: %w", err)
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			m, ok := Parse(line)
			if !ok {
				c.log.Debug("malformed line", logx.String("line", line))
				continue
			}
			if err := c.handle(ctx, conn, m); err != nil {
				return err
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.writeRaw(conn, "PING :tmi.twitch.tv"); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	for key, ws := range c.waiters {
		for _, w := range ws {
			w <- ErrNotConnected
		}
		delete(c.waiters, key)
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, m Message) error {
	switch m.Command {
	case "PING":
		return c.writeRaw(conn, "PONG :"+m.Trailing)
	case "001":
		c.log.Info("connected", logx.String("login", c.cfg.Login))
		c.mu.Lock()
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
		rejoin := make([]string, 0, len(c.joined))
		for ch := range c.joined {
			rejoin = append(rejoin, ch)
		}
		c.joined = map[string]struct{}{}
		c.mu.Unlock()
		if len(rejoin) > 0 {
			go c.rejoin(ctx, rejoin)
		}
	case "RECONNECT":
		return errors.New("irc: server requested reconnect")
	case "JOIN", "PART":
		if !strings.EqualFold(m.Nick(), c.cfg.Login) {
			return nil
		}
		ch := m.Channel()
		c.mu.Lock()
		if m.Command == "JOIN" {
			c.joined[ch] = struct{}{}
		} else {
			delete(c.joined, ch)
		}
		c.resolveLocked(m.Command+" #"+ch, nil)
		c.mu.Unlock()
	case "NOTICE":
		msgID := m.Tags["msg-id"]
		ch := m.Channel()
		if msgID == "msg_channel_suspended" || msgID == "msg_banned" || msgID == "tos_ban" {
			c.mu.Lock()
			c.resolveLocked("JOIN #"+ch, fmt.Errorf("%w: %s", ErrJoinRejected, msgID))
			c.mu.Unlock()
		}
		if strings.Contains(m.Trailing, "Login authentication failed") {
			return retry.NoRetry(errors.New("irc: authentication failed"))
		}
		c.dispatch(transport.Update{Kind: transport.UpdateNotice, Notice: &transport.Notice{
			ChannelLogin: ch, MsgID: msgID, Text: m.Trailing,
		}})
	case "ROOMSTATE":
		rs := &transport.RoomState{
			ChannelID:     m.Tags["room-id"],
			ChannelLogin:  m.Channel(),
			SlowSeconds:   intTag(m.Tags, "slow", -1),
			FollowersOnly: intTag(m.Tags, "followers-only", -1),
			EmoteOnly:     m.Tags["emote-only"] == "1",
			SubsOnly:      m.Tags["subs-only"] == "1",
		}
		c.dispatch(transport.Update{Kind: transport.UpdateRoomState, RoomState: rs})
	case "PRIVMSG":
		c.dispatch(transport.Update{Kind: transport.UpdateMessage, Message: toMessage(m)})
	}
	return nil
}

func (c *Client) rejoin(ctx context.Context, channels []string) {
	for _, ch := range channels {
		if err := c.Join(ctx, ch); err != nil {
			c.log.Warn("rejoin failed", logx.String("channel", ch), logx.Err(err))
		}
	}
}

func (c *Client) dispatch(u transport.Update) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(u)
	}
}

func toMessage(m Message) *transport.Message {
	text := m.Trailing
	action := false
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		text = strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01")
		action = true
	}
	badges := m.Tags["badges"]
	msg := &transport.Message{
		ID:           m.Tags["id"],
		ChannelID:    m.Tags["room-id"],
		ChannelLogin: m.Channel(),
		UserID:       m.Tags["user-id"],
		UserLogin:    m.Nick(),
		Text:         text,
		Nonce:        m.Tags["client-nonce"],
		ParentID:     m.Tags["reply-parent-msg-id"],
		Action:       action,
		Privileged: m.Tags["mod"] == "1" ||
			strings.Contains(badges, "vip/") ||
			strings.Contains(badges, "broadcaster/"),
	}
	if ts, err := strconv.ParseInt(m.Tags["tmi-sent-ts"], 10, 64); err == nil {
		msg.SentAt = time.UnixMilli(ts)
	}
	return msg
}

func intTag(tags map[string]string, key string, def int) int {
	v, ok := tags[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c *Client) resolveLocked(key string, err error) {
	for _, w := range c.waiters[key] {
		w <- err
	}
	delete(c.waiters, key)
}

func (c *Client) writeRaw(conn *websocket.Conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return fmt.Errorf("irc write: %w", err)
	}
	return nil
}

// write paces and sends a line on the current session once it is ready.
func (c *Client) write(ctx context.Context, line string) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeRaw(conn, line)
}

// waitReady blocks until a session is welcomed, at most JoinTimeout.
func (c *Client) waitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	t := time.NewTimer(c.cfg.JoinTimeout)
	defer t.Stop()
	select {
	case <-ready:
		return nil
	case <-t.C:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join joins a channel and waits for the server to confirm it.
func (c *Client) Join(ctx context.Context, login string) error {
	return c.membership(ctx, "JOIN", login)
}

// Part leaves a channel and waits for confirmation.
func (c *Client) Part(ctx context.Context, login string) error {
	return c.membership(ctx, "PART", login)
}

func (c *Client) membership(ctx context.Context, cmd, login string) error {
	login = strings.ToLower(strings.TrimPrefix(login, "#"))
	key := cmd + " #" + login
	done := make(chan error, 1)

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], done)
	c.mu.Unlock()

	if err := c.write(ctx, key); err != nil {
		c.dropWaiter(key, done)
		return err
	}

	t := time.NewTimer(c.cfg.JoinTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		c.dropWaiter(key, done)
		return fmt.Errorf("%w: %s", ErrJoinTimeout, key)
	case <-ctx.Done():
		c.dropWaiter(key, done)
		return ctx.Err()
	}
}

func (c *Client) dropWaiter(key string, w chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[key]
	for i, x := range ws {
		if x == w {
			c.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

// Joined returns the channels confirmed joined in the current session, sorted.
func (c *Client) Joined(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

// Send implements transport.Transport.
func (c *Client) Send(ctx context.Context, _, channelLogin, text, nonce, parentID string) error {
	line := privmsg(strings.ToLower(channelLogin), text, nonce, parentID)
	opt := c.cfg.Retry
	opt.Label = "irc.send"
	opt.Log = c.log
	return retry.Do(ctx, opt, func(ctx context.Context, _ int) error {
		return c.write(ctx, line)
	})
}
