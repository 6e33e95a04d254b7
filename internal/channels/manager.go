// Package channels converges the set of joined chat rooms toward the set the
// bot wants to be in.
//
// Join and Part only touch the desired set and the join queue; the queue
// worker does the actual joining, paced by a dedicated rate limiter. Load
// reconciles persisted channels against the platform (suspensions, renames)
// and is the only code path that reads or writes storage.
package channels

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"chatrelay/internal/asyncqueue"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/retry"
	"chatrelay/internal/syncx"
	logx "chatrelay/pkg/logx"
)

const (
	DefaultJoinWindow     = 10 * time.Second
	DefaultJoinLimit      = 950
	JoinedCacheTTL        = 500 * time.Millisecond
	defaultJoinQueueDepth = 64
)

var (
	ErrClosed         = errors.New("channels: manager closed")
	ErrLoadInProgress = errors.New("channels: load already running")

	errAborted = errors.New("join aborted")
)

// Membership is the connection that actually joins and parts rooms.
type Membership interface {
	Join(ctx context.Context, login string) error
	Part(ctx context.Context, login string) error
	Joined(ctx context.Context) ([]string, error)
}

type Config struct {
	JoinWindow time.Duration
	JoinLimit  int
	JoinRetry  retry.Options
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

// WithStore enables Load. Without a store Load is a no-op.
func WithStore(st Store, r Resolver) Option {
	return func(m *Manager) { m.store, m.resolver = st, r }
}

// WithOnChannel registers a hook called by Load for every live channel id,
// before the channel is joined.
func WithOnChannel(fn func(ctx context.Context, id string)) Option {
	return func(m *Manager) { m.onChannel = fn }
}

// WithOnPart registers a hook called by Load for every channel id it stops
// serving, after the channel is parted.
func WithOnPart(fn func(ctx context.Context, id string)) Option {
	return func(m *Manager) { m.onPart = fn }
}

// WithClock overrides the clock used for the joined-set cache.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type joinJob struct {
	login  string
	ctx    context.Context
	cancel context.CancelFunc
}

type Manager struct {
	member    Membership
	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	store     Store
	resolver  Resolver
	onChannel func(ctx context.Context, id string)
	onPart    func(ctx context.Context, id string)
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	queue   *asyncqueue.Queue[*joinJob]
	limiter *ratelimit.SlidingWindow
	loadMu  syncx.Mutex

	mu        sync.Mutex
	desired   map[string]struct{}
	pending   map[string]*joinJob
	joined    []string
	joinedExp time.Time
	closed    bool

	inflight sync.WaitGroup
}

func New(member Membership, cfg Config, opts ...Option) (*Manager, error) {
	if member == nil {
		return nil, errors.New("channels: nil membership")
	}
	if cfg.JoinWindow <= 0 {
		cfg.JoinWindow = DefaultJoinWindow
	}
	if cfg.JoinLimit <= 0 {
		cfg.JoinLimit = DefaultJoinLimit
	}
	// Joins retry immediately; the limiter already spaces them out.
	if cfg.JoinRetry.BaseDelay == 0 {
		cfg.JoinRetry.BaseDelay = -1
	}
	m := &Manager{
		member:  member,
		cfg:     cfg,
		now:     time.Now,
		desired: map[string]struct{}{},
		pending: map[string]*joinJob{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.Component("channels"))
	m.ctx, m.cancel = context.WithCancel(context.Background())

	limiter, err := ratelimit.New(cfg.JoinWindow, cfg.JoinLimit,
		ratelimit.WithName("joins"), ratelimit.WithLogger(m.log))
	if err != nil {
		m.cancel()
		return nil, err
	}
	m.limiter = limiter
	m.queue = asyncqueue.New(m.work,
		asyncqueue.WithName("joins"),
		asyncqueue.WithCapacity(defaultJoinQueueDepth),
		asyncqueue.WithLogger(m.log),
		asyncqueue.WithContext(m.ctx),
	)
	return m, nil
}

func normLogin(login string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(login)), "#")
}

// Join adds login to the desired set and queues a join. Repeated calls while
// a join is pending are no-ops.
func (m *Manager) Join(login string) {
	login = normLogin(login)
	if login == "" {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.desired[login] = struct{}{}
	if _, ok := m.pending[login]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	job := &joinJob{login: login, ctx: ctx, cancel: cancel}
	m.pending[login] = job
	m.mu.Unlock()

	if err := m.queue.Enqueue(job); err != nil {
		m.finish(job)
		m.log.Warn("join not queued", logx.String("channel", login), logx.Err(err))
	}
}

// Part removes login from the desired set. A join that has not run yet is
// retracted from the queue; otherwise the connection parts the room.
func (m *Manager) Part(ctx context.Context, login string) error {
	login = normLogin(login)
	if login == "" {
		return nil
	}
	m.mu.Lock()
	delete(m.desired, login)
	job, ok := m.pending[login]
	if ok {
		delete(m.pending, login)
	}
	m.mu.Unlock()

	if ok {
		job.cancel()
		n := m.queue.RemoveMatching(func(j *joinJob) bool { return j.login == login })
		m.log.Debug("join retracted", logx.String("channel", login), logx.Int("dequeued", n))
		return nil
	}

	m.log.Debug("parting", logx.String("channel", login))
	err := m.member.Part(ctx, login)
	m.invalidate()
	if err != nil {
		m.log.Error("part failed", logx.String("channel", login), logx.Err(err))
		return err
	}
	eventbus.Publish(m.bus, eventbus.ChannelParted, eventbus.ChannelEvent{Login: login})
	return nil
}

func (m *Manager) work(_ context.Context, job *joinJob) error {
	if job.ctx.Err() != nil || !m.isDesired(job.login) {
		m.finish(job)
		m.log.Debug("join canceled", logx.String("channel", job.login))
		return nil
	}
	if m.isJoined(job.ctx, job.login) {
		m.finish(job)
		return nil
	}
	if err := m.limiter.Wait(job.ctx); err != nil {
		m.finish(job)
		m.log.Debug("join canceled", logx.String("channel", job.login))
		return nil
	}

	// The join round trip runs off the queue so the next job only waits on
	// the limiter.
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.attempt(job)
	}()
	return nil
}

func (m *Manager) attempt(job *joinJob) {
	defer m.finish(job)
	m.log.Debug("trying to join", logx.String("channel", job.login))

	opt := m.cfg.JoinRetry
	opt.Label = "join " + job.login
	opt.Log = m.log
	err := retry.Do(m.ctx, opt, func(ctx context.Context, _ int) error {
		if job.ctx.Err() != nil {
			return retry.NoRetry(errAborted)
		}
		return m.member.Join(ctx, job.login)
	})
	m.invalidate()

	switch {
	case errors.Is(err, errAborted):
		m.log.Debug("join canceled", logx.String("channel", job.login))
	case err != nil:
		if m.ctx.Err() != nil {
			return
		}
		m.log.Error("failed to join", logx.String("channel", job.login), logx.Err(err))
		eventbus.Publish(m.bus, eventbus.ChannelJoinFailed, eventbus.ChannelEvent{Login: job.login, Error: err.Error()})
	case job.ctx.Err() != nil && m.ctx.Err() == nil:
		// Parted while the join was in flight.
		m.log.Debug("parting channel left during join", logx.String("channel", job.login))
		if err := m.member.Part(m.ctx, job.login); err != nil {
			m.log.Error("part failed", logx.String("channel", job.login), logx.Err(err))
		}
		m.invalidate()
	default:
		m.log.Debug("joined", logx.String("channel", job.login))
		eventbus.Publish(m.bus, eventbus.ChannelJoined, eventbus.ChannelEvent{Login: job.login})
	}
}

// finish drops job from the pending map unless a newer job replaced it.
func (m *Manager) finish(job *joinJob) {
	m.mu.Lock()
	if m.pending[job.login] == job {
		delete(m.pending, job.login)
	}
	m.mu.Unlock()
	job.cancel()
}

func (m *Manager) isDesired(login string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.desired[login]
	return ok
}

func (m *Manager) isJoined(ctx context.Context, login string) bool {
	joined, err := m.Joined(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(joined, login)
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.joinedExp = time.Time{}
	m.mu.Unlock()
}

// Joined returns the rooms the connection is in, cached for JoinedCacheTTL.
func (m *Manager) Joined(ctx context.Context) ([]string, error) {
	now := m.now()
	m.mu.Lock()
	if now.Before(m.joinedExp) {
		out := slices.Clone(m.joined)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	joined, err := m.member.Joined(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.joined = joined
	m.joinedExp = now.Add(JoinedCacheTTL)
	m.mu.Unlock()
	return slices.Clone(joined), nil
}

// Desired returns the sorted desired set.
func (m *Manager) Desired() []string {
	m.mu.Lock()
	out := lo.Keys(m.desired)
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

// Pending returns how many joins are queued or in flight.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Init runs the first Load. Periodic reloads are scheduled by the caller.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.Load(ctx)
	return err
}

// Close cancels pending joins and waits for in-flight ones to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for login, job := range m.pending {
		job.cancel()
		delete(m.pending, login)
	}
	m.joined = nil
	m.joinedExp = time.Time{}
	m.mu.Unlock()

	m.cancel()
	m.queue.Close()
	m.inflight.Wait()
}
