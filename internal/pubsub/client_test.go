package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	logx "chatrelay/pkg/logx"
)

type fakeConn struct {
	ws     *websocket.Conn
	wmu    sync.Mutex
	topics map[string]string // subscription id -> topic
}

func (c *fakeConn) send(v any) {
	b, _ := json.Marshal(v)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, b)
}

// fakeHermes answers authenticate/subscribe/unsubscribe frames and lets
// tests push notifications or drop sockets.
type fakeHermes struct {
	t   *testing.T
	srv *httptest.Server

	keepaliveSec int
	rejectAuth   atomic.Int32
	tooMany      atomic.Int32

	mu         sync.Mutex
	conns      []*fakeConn
	unsubs     []string
	maxSeen    int
	live       int
	liveMax    int
	accepted   int
	subscribes int
}

func newFakeHermes(t *testing.T, keepaliveSec int) *fakeHermes {
	t.Helper()
	fh := &fakeHermes{t: t, keepaliveSec: keepaliveSec}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fh.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &fakeConn{ws: ws, topics: map[string]string{}}
		fh.mu.Lock()
		fh.conns = append(fh.conns, c)
		fh.live++
		fh.liveMax = max(fh.liveMax, fh.live)
		fh.mu.Unlock()
		fh.serve(c)
		fh.mu.Lock()
		fh.live--
		fh.mu.Unlock()
	}))
	t.Cleanup(fh.srv.Close)
	return fh
}

func (fh *fakeHermes) url() string { return "ws" + strings.TrimPrefix(fh.srv.URL, "http") }

func (fh *fakeHermes) serve(c *fakeConn) {
	defer c.ws.Close()
	c.send(map[string]any{"type": "welcome", "id": "w", "welcome": map[string]any{"keepaliveSec": fh.keepaliveSec}})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f struct {
			Type      string `json:"type"`
			ID        string `json:"id"`
			Subscribe *struct {
				PubSub struct{ Topic string } `json:"pubsub"`
			} `json:"subscribe"`
		}
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.Type {
		case "authenticate":
			res := map[string]any{"result": "ok"}
			if fh.rejectAuth.Add(-1) >= 0 {
				res = map[string]any{"result": "error", "error": "bad token", "errorCode": "auth"}
			}
			c.send(map[string]any{"type": "authenticateResponse", "parentId": f.ID, "authenticateResponse": res})
		case "subscribe":
			fh.mu.Lock()
			fh.subscribes++
			fh.mu.Unlock()
			if fh.tooMany.Add(-1) >= 0 {
				c.send(map[string]any{"type": "subscribeResponse", "parentId": f.ID,
					"subscribeResponse": map[string]any{"result": "error", "error": errTooManySubscriptions}})
				continue
			}
			fh.mu.Lock()
			c.topics[f.ID] = f.Subscribe.PubSub.Topic
			fh.maxSeen = max(fh.maxSeen, len(c.topics))
			fh.accepted++
			fh.mu.Unlock()
			c.send(map[string]any{"type": "subscribeResponse", "parentId": f.ID, "subscribeResponse": map[string]any{"result": "ok"}})
		case "unsubscribe":
			fh.mu.Lock()
			fh.unsubs = append(fh.unsubs, c.topics[f.ID])
			delete(c.topics, f.ID)
			fh.mu.Unlock()
			c.send(map[string]any{"type": "unsubscribeResponse", "parentId": f.ID, "unsubscribeResponse": map[string]any{"result": "ok"}})
		}
	}
}

// find returns the newest socket carrying topic and its subscription id.
func (fh *fakeHermes) find(topic string) (*fakeConn, string) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	for i := len(fh.conns) - 1; i >= 0; i-- {
		for id, name := range fh.conns[i].topics {
			if name == topic {
				return fh.conns[i], id
			}
		}
	}
	return nil, ""
}

func (fh *fakeHermes) push(topic, payload string) {
	c, id := fh.find(topic)
	if c == nil {
		fh.t.Fatalf("no socket carries %s", topic)
	}
	c.send(map[string]any{
		"type": "notification",
		"id":   "n",
		"notification": map[string]any{
			"subscription": map[string]any{"id": id},
			"pubsub":       payload,
		},
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allSubscribed(cl *Client, n int) func() bool {
	return func() bool {
		ts := cl.Topics()
		if len(ts) != n {
			return false
		}
		for _, t := range ts {
			if t.State != Subscribed {
				return false
			}
		}
		return true
	}
}

func newTestClient(t *testing.T, fh *fakeHermes, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.URL = fh.url()
	cfg.Token = "tok"
	if cfg.SpawnInterval == 0 {
		cfg.SpawnInterval = time.Millisecond
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	opts = append([]Option{WithLogger(logx.Nop())}, opts...)
	cl := New(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cl.Close(ctx)
	})
	return cl
}

func TestSubscribeRespectsPoolCaps(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{MaxConnections: 2, MaxTopicsPerConnection: 3})

	for i := 1; i <= 7; i++ {
		cl.Subscribe("raid", fmt.Sprint(i))
	}
	cl.Subscribe("raid", "1") // duplicate
	waitFor(t, "six subscriptions", allSubscribed(cl, 6))

	st := cl.Stats()
	if st.Connections != 2 || st.Dropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	for _, c := range st.Conns {
		if c.Topics > 3 {
			t.Fatalf("connection %d carries %d topics", c.ID, c.Topics)
		}
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.maxSeen > 3 || fh.liveMax > 2 || fh.accepted != 6 {
		t.Fatalf("server saw max %d topics/conn, %d conns, %d subscribes", fh.maxSeen, fh.liveMax, fh.accepted)
	}
}

func TestNotificationRouting(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	raids := make(chan Notification, 1)
	other := make(chan Notification, 1)
	h := &Handlers{
		RaidUpdate: func(_ context.Context, n Notification) { raids <- n },
		Other:      map[Kind]Handler{"custom": func(_ context.Context, n Notification) { other <- n }},
	}
	cl := newTestClient(t, fh, Config{}, WithHandlers(h))

	if _, err := cl.Init(context.Background(), "", []string{"42"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitFor(t, "raid.42", allSubscribed(cl, 1))

	fh.push("raid.42", `not json`)
	fh.push("raid.42", `{"no":"type"}`)
	fh.push("raid.42", `{"type":"raid_update_v2","raid":{"id":"r1","source_id":"42","target_login":"dest"}}`)
	fh.push("raid.42", `{"type":"custom","x":1}`)
	fh.push("raid.42", `{"type":"unhandled"}`)

	select {
	case n := <-raids:
		if n.EntityID != "42" || n.Topic != "raid.42" || n.Kind != KindRaidUpdate {
			t.Fatalf("notification = %+v", n)
		}
		var ru RaidUpdate
		if err := n.Decode(&ru); err != nil || ru.Raid.ID != "r1" || ru.Raid.TargetLogin != "dest" {
			t.Fatalf("decoded = %+v, %v", ru, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("raid handler not called")
	}
	select {
	case n := <-other:
		if n.Kind != "custom" {
			t.Fatalf("kind = %q", n.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fallback handler not called")
	}
	waitFor(t, "notification count", func() bool { return cl.Stats().Notifications == 3 })
}

func TestReconnectResubscribesAll(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{})

	if n, err := cl.Init(context.Background(), "7", []string{"1"}); err != nil || n != 3 {
		t.Fatalf("Init = %d, %v", n, err)
	}
	waitFor(t, "initial topics", allSubscribed(cl, 3))

	fh.mu.Lock()
	first := fh.conns[0]
	fh.mu.Unlock()
	_ = first.ws.Close()

	waitFor(t, "replacement socket", func() bool {
		fh.mu.Lock()
		defer fh.mu.Unlock()
		return len(fh.conns) == 2 && len(fh.conns[1].topics) == 3
	})
	waitFor(t, "topics resubscribed", allSubscribed(cl, 3))
	st := cl.Stats()
	if st.Connections != 1 || st.Reconnects != 1 || st.Conns[0].ID != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestUnsubscribeClosesIdleConnection(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{})

	cl.Subscribe("presence", "7")
	waitFor(t, "subscription", allSubscribed(cl, 1))
	cl.Unsubscribe("presence", "7")
	cl.Unsubscribe("presence", "8") // unknown

	waitFor(t, "idle connection closed", func() bool {
		st := cl.Stats()
		return st.Connections == 0 && st.Topics == 0
	})
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if len(fh.unsubs) != 1 || fh.unsubs[0] != "presence.7" {
		t.Fatalf("server unsubscribes = %v", fh.unsubs)
	}
}

func TestUnsubscribeBeforeAssignment(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{SpawnInterval: time.Hour})

	// The limiter starts with one token; the second spawn would wait an hour.
	cl.Subscribe("raid", "1")
	waitFor(t, "first topic", allSubscribed(cl, 1))
	cl.mu.Lock()
	cl.cfg.MaxTopicsPerConnection = 1
	cl.mu.Unlock()
	cl.Subscribe("raid", "2")
	cl.Unsubscribe("raid", "2")

	waitFor(t, "topic forgotten", func() bool { return len(cl.Topics()) == 1 })
	if st := cl.Stats(); st.Connections != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTooManySubscriptionsRequeues(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	fh.tooMany.Store(1)
	cl := newTestClient(t, fh, Config{})

	cl.Subscribe("raid", "5")
	waitFor(t, "requeued subscription", allSubscribed(cl, 1))
}

func TestTooManySubscriptionsGivesUp(t *testing.T) {
	t.Parallel()
	for _, maxConns := range []int{1, MaxConnections} {
		t.Run(fmt.Sprint(maxConns), func(t *testing.T) {
			t.Parallel()
			fh := newFakeHermes(t, 60)
			fh.tooMany.Store(1 << 20)
			cl := newTestClient(t, fh, Config{MaxConnections: maxConns})

			cl.Subscribe("raid", "6")
			waitFor(t, "topic dropped", func() bool { return cl.Stats().Dropped == 1 })
			time.Sleep(200 * time.Millisecond)

			if ts := cl.Topics(); len(ts) != 0 {
				t.Fatalf("topics = %+v", ts)
			}
			fh.mu.Lock()
			n := fh.subscribes
			fh.mu.Unlock()
			if n < 1 || n > maxSubscribeRejects {
				t.Fatalf("subscribe frames = %d, want 1..%d", n, maxSubscribeRejects)
			}
			if maxConns == MaxConnections && n != maxSubscribeRejects {
				t.Fatalf("subscribe frames = %d, want %d", n, maxSubscribeRejects)
			}
		})
	}
}

func TestTooManySubscriptionsCapsConnection(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{})

	cl.Subscribe("raid", "1")
	waitFor(t, "first topic", allSubscribed(cl, 1))
	fh.tooMany.Store(1)
	cl.Subscribe("raid", "2")
	waitFor(t, "second topic", allSubscribed(cl, 2))
	cl.Subscribe("raid", "3")
	waitFor(t, "all topics", allSubscribed(cl, 3))

	for _, tp := range cl.Topics() {
		if tp.Name != "raid.1" && tp.ConnID == 1 {
			t.Fatalf("%s placed on the capped connection", tp.Name)
		}
	}
}

func TestResubscribeWhileUnsubscribing(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{})

	cl.Subscribe("raid", "1")
	waitFor(t, "subscribed", allSubscribed(cl, 1))
	cl.Unsubscribe("raid", "1")
	cl.Subscribe("raid", "1")

	waitFor(t, "subscribed again", allSubscribed(cl, 1))
	time.Sleep(300 * time.Millisecond)
	if !allSubscribed(cl, 1)() {
		t.Fatalf("topics = %+v", cl.Topics())
	}
	if c, _ := fh.find("raid.1"); c == nil {
		t.Fatal("server no longer carries raid.1")
	}
}

func TestUnsubscribeTwiceIsNoop(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	cl := newTestClient(t, fh, Config{})

	cl.Subscribe("raid", "1")
	waitFor(t, "subscribed", allSubscribed(cl, 1))
	cl.Unsubscribe("raid", "1")
	cl.Unsubscribe("raid", "1")

	waitFor(t, "forgotten", func() bool { return len(cl.Topics()) == 0 })
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if len(fh.unsubs) != 1 {
		t.Fatalf("unsubscribe frames = %v", fh.unsubs)
	}
}

func TestAuthFailureRetriesWithTopics(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 60)
	fh.rejectAuth.Store(1)
	cl := newTestClient(t, fh, Config{})

	cl.Subscribe("raid", "9")
	waitFor(t, "subscription after auth retry", allSubscribed(cl, 1))
	if st := cl.Stats(); st.Reconnects < 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMissedKeepaliveReconnects(t *testing.T) {
	t.Parallel()
	fh := newFakeHermes(t, 1)
	cl := newTestClient(t, fh, Config{HealthInterval: 20 * time.Millisecond, KeepaliveMargin: 10 * time.Millisecond})

	cl.Subscribe("raid", "1")
	waitFor(t, "missed keepalive", func() bool { return cl.Stats().MissedKeepalives >= 1 })
	waitFor(t, "resubscribed", allSubscribed(cl, 1))
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()
	cl := New(Config{ReconnectDelay: time.Second, ReconnectBackoffMax: 10 * time.Second})
	defer cl.Close(context.Background())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for fails, d := range want {
		if got := cl.backoff(fails); got != d {
			t.Fatalf("backoff(%d) = %v, want %v", fails, got, d)
		}
	}
}

func TestInitAfterClose(t *testing.T) {
	t.Parallel()
	cl := New(Config{})
	_ = cl.Close(context.Background())
	if _, err := cl.Init(context.Background(), "1", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Init after Close err = %v", err)
	}
}

func TestTopicID(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newID()
		if len(id) != 22 || strings.ContainsAny(id, "+/=") {
			t.Fatalf("id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
