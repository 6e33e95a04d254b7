package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	logx "chatrelay/pkg/logx"
)

type connState uint8

const (
	connConnecting connState = iota
	connAuthenticating
	connAuthenticated
	connClosed
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connAuthenticating:
		return "authenticating"
	case connAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

const (
	outboundBuffer = 256
	writeTimeout   = 10 * time.Second
	readLimit      = 1 << 20
	noisyBurst     = 20
)

// conn is one websocket in the pool. A reconnect replaces the whole value
// under the same id; nothing is carried over except topics and the failure
// count. Fields below ws are guarded by Client.mu.
type conn struct {
	id     int
	log    logx.Logger
	noisy  logx.Logger // malformed inbound frames
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	ws     atomic.Pointer[websocket.Conn]
	once   sync.Once

	state        connState
	topics       map[string]*Topic
	pendingAuth  int
	pendingSub   int
	pendingUnsub int
	// capped is set once the server refused a subscribe; the socket then
	// holds at most capAt topics.
	capped bool
	capAt  int

	openedAt      time.Time
	authenticated bool
	authFailed    bool
	keepalive     time.Duration
	lastKeepalive time.Time
	healthStarted bool
	fails         int
}

func newConn(parent context.Context, id int, log logx.Logger) *conn {
	ctx, cancel := context.WithCancel(parent)
	log = log.With(logx.Int("conn", id))
	return &conn{
		id:     id,
		log:    log,
		noisy:  log.Sampled(noisyBurst, time.Minute),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, outboundBuffer),
		topics: map[string]*Topic{},
	}
}

func (c *conn) idle() bool {
	return len(c.topics) == 0 && c.pendingAuth == 0 && c.pendingSub == 0 && c.pendingUnsub == 0
}

// attach stores the dialed socket, closing it right away if the connection
// was closed while dialing.
func (c *conn) attach(ws *websocket.Conn) bool {
	ws.SetReadLimit(readLimit)
	c.ws.Store(ws)
	if c.ctx.Err() != nil {
		_ = ws.Close()
		return false
	}
	return true
}

// close is safe to call from any goroutine, with or without Client.mu.
func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()
		if ws := c.ws.Load(); ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
	})
}

func (c *conn) writeLoop(ws *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("write failed", logx.Err(err))
				c.close()
				return
			}
		}
	}
}
