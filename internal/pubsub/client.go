// Package pubsub multiplexes realtime topic subscriptions over a bounded
// pool of websocket connections.
//
// Subscribe and Unsubscribe requests go through one serial task queue, so
// connection selection never races. Each connection authenticates, then
// subscribes everything assigned to it; when a connection drops, its topics
// move to a replacement connection with the same id after a delay that grows
// while the replacement keeps failing fast.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/internal/asyncqueue"
	"chatrelay/internal/eventbus"
	logx "chatrelay/pkg/logx"
)

const (
	DefaultURL               = "wss://hermes.twitch.tv/v1"
	MaxConnections           = 100
	MaxTopicsPerConnection   = 100
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMax      = time.Minute
	DefaultStableAfter       = 30 * time.Second
	DefaultSpawnInterval     = time.Second
	DefaultHealthInterval    = 2 * time.Second
	DefaultKeepaliveMargin   = 2500 * time.Millisecond
	defaultKeepaliveSec      = 10
	defaultDialTimeout       = 15 * time.Second
	defaultTaskQueueCapacity = 256
	maxSubscribeRejects      = 3
)

var ErrClosed = errors.New("pubsub: client closed")

type Config struct {
	URL   string
	Token string

	MaxConnections         int
	MaxTopicsPerConnection int

	// ReconnectDelay is the wait before a dropped connection is replaced.
	// It doubles, up to ReconnectBackoffMax, each time the replacement dies
	// within StableAfter or never authenticates.
	ReconnectDelay      time.Duration
	ReconnectBackoffMax time.Duration
	StableAfter         time.Duration

	SpawnInterval   time.Duration
	HealthInterval  time.Duration
	KeepaliveMargin time.Duration
	DialTimeout     time.Duration

	UserFeeds    []string
	ChannelFeeds []string
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	c.MaxConnections = clamp(c.MaxConnections, 1, MaxConnections)
	c.MaxTopicsPerConnection = clamp(c.MaxTopicsPerConnection, 1, MaxTopicsPerConnection)
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectBackoffMax < c.ReconnectDelay {
		c.ReconnectBackoffMax = max(DefaultReconnectMax, c.ReconnectDelay)
	}
	if c.StableAfter <= 0 {
		c.StableAfter = DefaultStableAfter
	}
	if c.SpawnInterval <= 0 {
		c.SpawnInterval = DefaultSpawnInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.KeepaliveMargin <= 0 {
		c.KeepaliveMargin = DefaultKeepaliveMargin
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.UserFeeds == nil {
		c.UserFeeds = DefaultUserFeeds
	}
	if c.ChannelFeeds == nil {
		c.ChannelFeeds = DefaultChannelFeeds
	}
}

// clamp maps 0 to hi (the platform cap) and bounds everything else.
func clamp(v, lo, hi int) int {
	if v == 0 || v > hi {
		return hi
	}
	return max(v, lo)
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Client) { c.bus = bus } }

func WithHandlers(h *Handlers) Option { return func(c *Client) { c.handlers = h } }

func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

type taskKind uint8

const (
	taskSubscribe taskKind = iota
	taskUnsubscribe
)

type task struct {
	kind  taskKind
	topic *Topic
}

type Client struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	handlers *Handlers
	dialer   *websocket.Dialer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *asyncqueue.Queue[task]
	spawn  *rate.Limiter

	mu     sync.Mutex
	conns  map[int]*conn
	byID   map[string]*Topic
	byName map[string]string
	lastID int
	closed bool

	// The topic whose subscribe task waits on the spawn limiter.
	assigning   *Topic
	abortAssign context.CancelFunc

	wg sync.WaitGroup

	notifications    atomic.Uint64
	missedKeepalives atomic.Uint64
	reconnects       atomic.Uint64
	dropped          atomic.Uint64
}

func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	cl := &Client{
		cfg:    cfg,
		now:    time.Now,
		conns:  map[int]*conn{},
		byID:   map[string]*Topic{},
		byName: map[string]string{},
	}
	for _, o := range opts {
		o(cl)
	}
	if cl.log.IsZero() {
		cl.log = logx.Nop()
	}
	cl.log = cl.log.With(logx.Component("pubsub"))
	if cl.dialer == nil {
		cl.dialer = &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	}
	cl.ctx, cl.cancel = context.WithCancel(context.Background())
	cl.spawn = rate.NewLimiter(rate.Every(cfg.SpawnInterval), 1)
	cl.tasks = asyncqueue.New(cl.process,
		asyncqueue.WithName("pubsub.tasks"),
		asyncqueue.WithCapacity(defaultTaskQueueCapacity),
		asyncqueue.WithLogger(cl.log),
		asyncqueue.WithContext(cl.ctx),
	)
	return cl
}

// Init subscribes the user feeds for userID and the channel feeds for every
// channel id. It returns how many topics were requested.
func (cl *Client) Init(ctx context.Context, userID string, channelIDs []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cl.mu.Lock()
	closed := cl.closed
	cl.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	n := 0
	if userID != "" {
		for _, feed := range cl.cfg.UserFeeds {
			cl.Subscribe(feed, userID)
			n++
		}
	}
	for _, id := range channelIDs {
		n += cl.SubscribeChannel(id)
	}
	cl.log.Info("pubsub init", logx.Int("topics", n), logx.Int("channels", len(channelIDs)))
	return n, nil
}

// SubscribeChannel subscribes every channel feed for one channel.
func (cl *Client) SubscribeChannel(channelID string) int {
	if channelID == "" {
		return 0
	}
	for _, feed := range cl.cfg.ChannelFeeds {
		cl.Subscribe(feed, channelID)
	}
	return len(cl.cfg.ChannelFeeds)
}

func (cl *Client) UnsubscribeChannel(channelID string) {
	for _, feed := range cl.cfg.ChannelFeeds {
		cl.Unsubscribe(feed, channelID)
	}
}

func (cl *Client) capacity() int { return cl.cfg.MaxConnections * cl.cfg.MaxTopicsPerConnection }

// Subscribe requests feed.entityID. Duplicates and requests beyond the pool
// capacity are dropped with a log line.
func (cl *Client) Subscribe(feed, entityID string) {
	name := topicName(feed, entityID)
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return
	}
	// A topic still being unsubscribed stays in byID until the server
	// confirms; the new request takes over its name.
	if id, ok := cl.byName[name]; ok && cl.byID[id].State != Unsubscribing {
		cl.mu.Unlock()
		cl.log.Debug("already subscribed", logx.String("topic", name))
		return
	}
	if len(cl.byID) >= cl.capacity() {
		cl.mu.Unlock()
		cl.dropped.Add(1)
		cl.log.Warn("topic capacity reached, not subscribing", logx.String("topic", name), logx.Int("capacity", cl.capacity()))
		eventbus.Publish(cl.bus, eventbus.PubSubDropped, eventbus.PubSubEvent{Topic: name, EntityID: entityID, Reason: "capacity", At: cl.now()})
		return
	}
	t := &Topic{ID: newID(), Name: name, EntityID: entityID, State: Subscribing}
	cl.byID[t.ID] = t
	cl.byName[name] = t.ID
	cl.mu.Unlock()

	if err := cl.tasks.Enqueue(task{kind: taskSubscribe, topic: t}); err != nil {
		cl.mu.Lock()
		cl.forgetLocked(t)
		cl.mu.Unlock()
		return
	}
	cl.log.Debug("subscribe queued", logx.String("topic", name))
}

func (cl *Client) Unsubscribe(feed, entityID string) {
	name := topicName(feed, entityID)
	cl.mu.Lock()
	id, ok := cl.byName[name]
	if !ok {
		cl.mu.Unlock()
		cl.log.Debug("no subscription to drop", logx.String("topic", name))
		return
	}
	t := cl.byID[id]
	if t.State == Unsubscribing {
		cl.mu.Unlock()
		return
	}
	t.State = Unsubscribing
	if cl.assigning == t {
		cl.abortAssign()
	}
	cl.mu.Unlock()

	cl.tasks.RemoveMatching(func(tk task) bool { return tk.kind == taskSubscribe && tk.topic == t })
	if err := cl.tasks.Enqueue(task{kind: taskUnsubscribe, topic: t}); err != nil {
		return
	}
	cl.log.Debug("unsubscribe queued", logx.String("topic", name))
}

func (cl *Client) process(ctx context.Context, tk task) error {
	switch tk.kind {
	case taskSubscribe:
		return cl.assign(ctx, tk.topic)
	case taskUnsubscribe:
		cl.release(tk.topic)
		return nil
	default:
		return fmt.Errorf("pubsub: unknown task %d", tk.kind)
	}
}

func (cl *Client) liveLocked(t *Topic) bool {
	return cl.byID[t.ID] == t && t.State != Unsubscribing
}

// assign places t on the first connection with room, spawning one if the
// pool allows.
func (cl *Client) assign(ctx context.Context, t *Topic) error {
	cl.mu.Lock()
	if !cl.liveLocked(t) {
		cl.mu.Unlock()
		return nil
	}
	c := cl.pickLocked()
	if c == nil && len(cl.conns) < cl.cfg.MaxConnections {
		wctx, cancel := context.WithCancel(ctx)
		cl.assigning, cl.abortAssign = t, cancel
		cl.mu.Unlock()
		err := cl.spawn.Wait(wctx)
		cancel()
		cl.mu.Lock()
		cl.assigning, cl.abortAssign = nil, nil
		if err != nil && ctx.Err() != nil {
			cl.mu.Unlock()
			return err
		}
		if cl.closed || !cl.liveLocked(t) {
			cl.mu.Unlock()
			return nil
		}
		if c = cl.pickLocked(); c == nil && len(cl.conns) < cl.cfg.MaxConnections {
			c = cl.spawnLocked()
		}
	}
	if c == nil {
		cl.dropLocked(t, "max connections reached")
		cl.mu.Unlock()
		return nil
	}

	c.topics[t.ID] = t
	t.ConnID = c.id
	t.State = Subscribing
	if c.state == connAuthenticated {
		cl.sendLocked(c, topicFrame(frameSubscribe, t, cl.now()))
		c.pendingSub++
	}
	cl.mu.Unlock()
	return nil
}

func (cl *Client) release(t *Topic) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.byID[t.ID] != t {
		return
	}
	c := cl.conns[t.ConnID]
	if c != nil && c.state == connAuthenticated && c.topics[t.ID] == t {
		cl.sendLocked(c, topicFrame(frameUnsubscribe, t, cl.now()))
		c.pendingUnsub++
		return
	}
	cl.forgetLocked(t)
}

func (cl *Client) pickLocked() *conn {
	ids := make([]int, 0, len(cl.conns))
	for id := range cl.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c := cl.conns[id]
		if c.state == connClosed || len(c.topics) >= cl.cfg.MaxTopicsPerConnection {
			continue
		}
		if c.capped && len(c.topics) >= c.capAt {
			continue
		}
		return c
	}
	return nil
}

func (cl *Client) spawnLocked() *conn {
	cl.lastID++
	c := newConn(cl.ctx, cl.lastID, cl.log)
	cl.conns[c.id] = c
	cl.wg.Add(1)
	go cl.run(c)
	c.log.Debug("connection created", logx.Int("pool", len(cl.conns)))
	return c
}

// forgetLocked removes t from its connection and the indexes, closing the
// connection if that left it idle.
func (cl *Client) forgetLocked(t *Topic) {
	if c := cl.conns[t.ConnID]; c != nil {
		delete(c.topics, t.ID)
		if c.state == connAuthenticated && c.idle() {
			c.log.Debug("connection idle, closing")
			go c.close()
		}
	}
	if cl.byID[t.ID] == t {
		delete(cl.byID, t.ID)
	}
	if cl.byName[t.Name] == t.ID {
		delete(cl.byName, t.Name)
	}
}

func (cl *Client) dropLocked(t *Topic, reason string) {
	cl.forgetLocked(t)
	cl.dropped.Add(1)
	cl.log.Warn("topic dropped", logx.String("topic", t.Name), logx.String("reason", reason))
	eventbus.Publish(cl.bus, eventbus.PubSubDropped, eventbus.PubSubEvent{
		ConnID: t.ConnID, Topic: t.Name, EntityID: t.EntityID, Reason: reason, At: cl.now(),
	})
}

func (cl *Client) sendLocked(c *conn, f outFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.log.Error("encode frame", logx.String("type", f.Type), logx.Err(err))
		return
	}
	select {
	case c.out <- b:
		if c.log.Enabled(logx.LevelDebug) {
			c.log.Debug("frame sent", logx.String("type", f.Type), logx.String("id", f.ID))
		}
	default:
		c.log.Warn("outbound buffer full, closing connection")
		go c.close()
	}
}

// run dials c and reads until the socket dies.
func (cl *Client) run(c *conn) {
	defer cl.wg.Done()

	dctx, cancel := context.WithTimeout(c.ctx, cl.cfg.DialTimeout)
	ws, resp, err := cl.dialer.DialContext(dctx, cl.cfg.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.log.Warn("dial failed", logx.Err(err))
		cl.onClose(c, err)
		return
	}
	if !c.attach(ws) {
		cl.onClose(c, context.Canceled)
		return
	}

	cl.mu.Lock()
	c.state = connAuthenticating
	c.openedAt = cl.now()
	cl.sendLocked(c, authFrame(cl.cfg.Token, cl.now()))
	c.pendingAuth++
	cl.mu.Unlock()
	c.log.Debug("connection open")

	cl.wg.Add(1)
	go func() {
		defer cl.wg.Done()
		c.writeLoop(ws)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.close()
			cl.onClose(c, err)
			return
		}
		cl.handle(c, data)
	}
}

func (cl *Client) handle(c *conn, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.log.Error("malformed frame", logx.Err(err), logx.Int("len", len(data)))
		return
	}

	var deliver func()
	cl.mu.Lock()
	if cl.conns[c.id] != c {
		cl.mu.Unlock()
		return
	}
	switch f.Type {
	case frameWelcome:
		sec := defaultKeepaliveSec
		if f.Welcome != nil && f.Welcome.KeepaliveSec > 0 {
			sec = f.Welcome.KeepaliveSec
		}
		c.keepalive = time.Duration(sec)*time.Second + cl.cfg.KeepaliveMargin
		c.lastKeepalive = cl.now()
		c.log.Debug("welcome", logx.Duration("keepalive", c.keepalive))
		if !c.healthStarted {
			c.healthStarted = true
			cl.wg.Add(1)
			go cl.health(c)
		}
	case frameKeepalive:
		c.lastKeepalive = cl.now()
	case frameReconnect:
		c.log.Debug("server requested reconnect")
		go c.close()
	case frameAuthenticateResponse:
		cl.onAuthenticated(c, f.AuthenticateResponse)
	case frameSubscribeResponse:
		cl.onSubscribed(c, f.ParentID, f.SubscribeResponse)
	case frameUnsubscribeResponse:
		if c.pendingUnsub > 0 {
			c.pendingUnsub--
		}
		if t := cl.byID[f.ParentID]; t != nil {
			c.log.Debug("unsubscribed", logx.String("topic", t.Name))
			cl.forgetLocked(t)
		} else {
			delete(c.topics, f.ParentID)
		}
		cl.closeIfIdleLocked(c)
	case frameNotification:
		deliver = cl.routeLocked(c, f)
	default:
		c.log.Warn("unknown frame type", logx.String("type", f.Type))
	}
	cl.mu.Unlock()

	if deliver != nil {
		deliver()
	}
}

func (cl *Client) closeIfIdleLocked(c *conn) {
	if c.state == connAuthenticated && c.idle() {
		c.log.Debug("connection idle, closing")
		go c.close()
	}
}

func (cl *Client) onAuthenticated(c *conn, r *result) {
	if c.pendingAuth > 0 {
		c.pendingAuth--
	}
	if !r.ok() {
		var msg, code string
		if r != nil {
			msg, code = r.Error, r.ErrorCode
		}
		c.log.Error("authentication failed", logx.String("error", msg), logx.String("code", code))
		// Roll back everything sent or counted on this socket; the topics
		// wait for the replacement connection.
		c.authFailed = true
		c.pendingSub, c.pendingUnsub = 0, 0
		for _, t := range c.topics {
			if t.State == Subscribed {
				t.State = Subscribing
			}
		}
		go c.close()
		return
	}
	c.state = connAuthenticated
	c.authenticated = true
	c.log.Debug("authenticated", logx.Int("topics", len(c.topics)))
	eventbus.Publish(cl.bus, eventbus.PubSubConnected, eventbus.PubSubEvent{ConnID: c.id, Topics: len(c.topics), At: cl.now()})
	if c.idle() {
		go c.close()
		return
	}
	for _, t := range c.topics {
		typ := frameSubscribe
		if t.State == Unsubscribing {
			typ = frameUnsubscribe
			c.pendingUnsub++
		} else {
			c.pendingSub++
		}
		cl.sendLocked(c, topicFrame(typ, t, cl.now()))
	}
}

func (cl *Client) onSubscribed(c *conn, parentID string, r *result) {
	if c.pendingSub > 0 {
		c.pendingSub--
	}
	t := cl.byID[parentID]
	switch {
	case t == nil || t.ConnID != c.id:
		delete(c.topics, parentID)
	case r.ok():
		if t.State == Subscribing {
			t.State = Subscribed
			c.log.Debug("subscribed", logx.String("topic", t.Name))
		}
	case r != nil && r.Error == errTooManySubscriptions:
		// Cap this socket at its current size and retry the topic elsewhere.
		delete(c.topics, t.ID)
		c.capped, c.capAt = true, len(c.topics)
		t.rejects++
		c.log.Warn("subscription limit hit",
			logx.String("topic", t.Name),
			logx.Int("topics", len(c.topics)),
			logx.Int("rejects", t.rejects),
		)
		switch {
		case t.State == Unsubscribing:
			cl.forgetLocked(t)
		case t.rejects >= maxSubscribeRejects:
			cl.dropLocked(t, "too many subscriptions")
			t.ConnID = 0
		default:
			t.ConnID = 0
			t.State = Subscribing
			if err := cl.tasks.Enqueue(task{kind: taskSubscribe, topic: t}); err != nil {
				cl.forgetLocked(t)
			}
		}
	default:
		var msg, code string
		if r != nil {
			msg, code = r.Error, r.ErrorCode
		}
		c.log.Error("subscribe failed", logx.String("topic", t.Name), logx.String("error", msg), logx.String("code", code))
		cl.dropLocked(t, "subscribe rejected: "+msg)
		return
	}
	cl.closeIfIdleLocked(c)
}

// routeLocked resolves a notification to its handler. The handler runs on
// its own goroutine after the lock is released.
func (cl *Client) routeLocked(c *conn, f inFrame) func() {
	if f.Notification == nil || f.Notification.PubSub == "" {
		c.noisy.Warn("notification without pubsub data", logx.String("id", f.ID))
		return nil
	}
	subID := f.Notification.Subscription.ID
	if subID == "" {
		c.noisy.Warn("notification without subscription id", logx.String("id", f.ID))
		return nil
	}
	t := cl.byID[subID]
	if t == nil {
		c.noisy.Warn("notification for unknown subscription", logx.String("subscription", subID))
		return nil
	}
	raw := json.RawMessage(f.Notification.PubSub)
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.noisy.Error("malformed pubsub payload", logx.String("topic", t.Name), logx.Err(err))
		return nil
	}
	if head.Type == "" {
		c.noisy.Warn("pubsub payload without type", logx.String("topic", t.Name))
		return nil
	}
	cl.notifications.Add(1)
	h := cl.handlers.lookup(Kind(head.Type))
	if h == nil {
		return nil
	}
	n := Notification{
		Kind:       Kind(head.Type),
		Topic:      t.Name,
		EntityID:   t.EntityID,
		ConnID:     c.id,
		Payload:    raw,
		ReceivedAt: cl.now(),
	}
	cl.wg.Add(1)
	return func() {
		go func() {
			defer cl.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					cl.log.Error("notification handler panicked",
						logx.String("kind", string(n.Kind)),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			h(cl.ctx, n)
		}()
	}
}

func (cl *Client) health(c *conn) {
	defer cl.wg.Done()
	tk := time.NewTicker(cl.cfg.HealthInterval)
	defer tk.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-tk.C:
			cl.mu.Lock()
			missed := cl.now().Sub(c.lastKeepalive) > c.keepalive
			cl.mu.Unlock()
			if missed {
				cl.missedKeepalives.Add(1)
				c.log.Debug("missed keepalive")
				c.close()
				return
			}
		}
	}
}

func (cl *Client) backoff(fails int) time.Duration {
	d := cl.cfg.ReconnectDelay
	for i := 0; i < fails && d < cl.cfg.ReconnectBackoffMax; i++ {
		d *= 2
	}
	return min(d, cl.cfg.ReconnectBackoffMax)
}

// onClose runs once per socket. Topics still wanted move to a replacement
// connection under the same id.
func (cl *Client) onClose(c *conn, cause error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	c.state = connClosed
	if cl.conns[c.id] != c {
		return
	}

	carry := make([]*Topic, 0, len(c.topics))
	for _, t := range c.topics {
		if cl.byID[t.ID] != t {
			continue
		}
		if t.State == Unsubscribing {
			cl.forgetLocked(t)
			continue
		}
		t.State = Subscribing
		carry = append(carry, t)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	eventbus.Publish(cl.bus, eventbus.PubSubDisconnected, eventbus.PubSubEvent{ConnID: c.id, Topics: len(carry), Reason: reason, At: cl.now()})

	if cl.closed || len(carry) == 0 {
		delete(cl.conns, c.id)
		c.log.Debug("connection closed", logx.Int("pool", len(cl.conns)))
		return
	}

	fails := 0
	if !c.authenticated || c.authFailed || cl.now().Sub(c.openedAt) < cl.cfg.StableAfter {
		fails = c.fails + 1
	}
	delay := cl.backoff(max(fails-1, 0))
	next := newConn(cl.ctx, c.id, cl.log)
	next.fails = fails
	for _, t := range carry {
		next.topics[t.ID] = t
	}
	cl.conns[c.id] = next
	cl.reconnects.Add(1)
	c.log.Info("connection lost, reconnecting",
		logx.Int("topics", len(carry)),
		logx.Duration("delay", delay),
		logx.Int("fails", fails),
		logx.String("cause", reason),
	)
	time.AfterFunc(delay, func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		if cl.closed || cl.conns[next.id] != next {
			return
		}
		cl.wg.Add(1)
		go cl.run(next)
	})
}

// Close drops every connection and waits for their goroutines, bounded by ctx.
func (cl *Client) Close(ctx context.Context) error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	conns := make([]*conn, 0, len(cl.conns))
	for _, c := range cl.conns {
		conns = append(conns, c)
	}
	cl.mu.Unlock()

	cl.tasks.Close()
	cl.cancel()
	for _, c := range conns {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		cl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ConnStats struct {
	ID                 int    `json:"id"`
	State              string `json:"state"`
	Topics             int    `json:"topics"`
	PendingSubscribe   int    `json:"pending_subscribe"`
	PendingUnsubscribe int    `json:"pending_unsubscribe"`
}

type Stats struct {
	Connections      int         `json:"connections"`
	Topics           int         `json:"topics"`
	Conns            []ConnStats `json:"conns"`
	Notifications    uint64      `json:"notifications"`
	MissedKeepalives uint64      `json:"missed_keepalives"`
	Reconnects       uint64      `json:"reconnects"`
	Dropped          uint64      `json:"dropped"`
	QueuedTasks      int         `json:"queued_tasks"`
}

func (cl *Client) Stats() Stats {
	cl.mu.Lock()
	st := Stats{Connections: len(cl.conns), Topics: len(cl.byID)}
	for _, c := range cl.conns {
		st.Conns = append(st.Conns, ConnStats{
			ID:                 c.id,
			State:              c.state.String(),
			Topics:             len(c.topics),
			PendingSubscribe:   c.pendingSub,
			PendingUnsubscribe: c.pendingUnsub,
		})
	}
	cl.mu.Unlock()
	slices.SortFunc(st.Conns, func(a, b ConnStats) int { return a.ID - b.ID })
	st.Notifications = cl.notifications.Load()
	st.MissedKeepalives = cl.missedKeepalives.Load()
	st.Reconnects = cl.reconnects.Load()
	st.Dropped = cl.dropped.Load()
	st.QueuedTasks = cl.tasks.Len()
	return st
}

// Topics returns a snapshot of every known topic.
func (cl *Client) Topics() []Topic {
	cl.mu.Lock()
	out := make([]Topic, 0, len(cl.byID))
	for _, t := range cl.byID {
		out = append(out, *t)
	}
	cl.mu.Unlock()
	slices.SortFunc(out, func(a, b Topic) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}
