// Package chat is the outbound message pipeline: it screens, dedups and
// paces messages so the bot stays inside the platform's send quotas.
//
// Every channel gets its own queue and state. Sends to one channel reach the
// transport in the order Send was called; channels do not wait on each other
// except through the shared rate limiters.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"chatrelay/internal/asyncqueue"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/moderation"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

var (
	ErrMissingChannelID    = errors.New("chat: missing channel id")
	ErrMissingChannelLogin = errors.New("chat: missing channel login")
	ErrClosed              = errors.New("chat: service closed")
)

type Tier string

const (
	TierRegular  Tier = "regular"
	TierVerified Tier = "verified"
)

const (
	MessagesWindow            = 30 * time.Second
	RegularMaxPerWindow       = 19
	RegularMaxPrivileged      = 99
	VerifiedMaxPerWindow      = 7499
	DefaultDuplicateThreshold = 30 * time.Second

	DefaultSlowModeIRC = 1100 * time.Millisecond
	DefaultSlowModeGQL = 1250 * time.Millisecond
)

// DefaultSlowMode returns the minimum per-channel gap for a transport name.
func DefaultSlowMode(transportName string) time.Duration {
	if transportName == "gql" {
		return DefaultSlowModeGQL
	}
	return DefaultSlowModeIRC
}

type SendRequest struct {
	ChannelID    string
	ChannelLogin string
	UserLogin    string
	Text         string
	Mention      bool
	Privileged   bool
	ParentID     string
	IsAction     bool
}

type Config struct {
	Tier               Tier
	DefaultSlowMode    time.Duration
	DuplicateThreshold time.Duration
	// Placeholder replaces text that fails the content check.
	Placeholder string
	// Nonce tags the bot's own messages; see transport.Nonce.
	Nonce string
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithChecker(c *moderation.Checker) Option { return func(s *Service) { s.checker.Store(c) } }

// WithClock overrides the clock used for slow mode and duplicate tracking.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithContext sets the parent context for channel workers.
func WithContext(ctx context.Context) Option { return func(s *Service) { s.ctx = ctx } }

// channelState is touched by the channel's worker and by room-state updates
// arriving from the connection, hence the lock.
type channelState struct {
	mu               sync.Mutex
	roomSlowMode     time.Duration
	lastSendAt       time.Time
	lastDuplicateKey string
}

type channel struct {
	id       string
	state    *channelState
	queue    *asyncqueue.Queue[SendRequest]
	lastUsed time.Time
}

type Service struct {
	tr      transport.Transport
	tier    Tier
	nonce   string
	checker atomic.Pointer[moderation.Checker]
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	ctx     context.Context

	placeholder  atomic.Value // string
	defaultSlow  atomic.Int64
	dupThreshold atomic.Int64

	normal, privileged, verified *ratelimit.SlidingWindow

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool

	sent     atomic.Uint64
	failed   atomic.Uint64
	filtered atomic.Uint64
	dupes    atomic.Uint64
}

func New(tr transport.Transport, cfg Config, opts ...Option) (*Service, error) {
	if tr == nil {
		return nil, errors.New("chat: nil transport")
	}
	if cfg.DefaultSlowMode <= 0 {
		cfg.DefaultSlowMode = DefaultSlowMode(tr.Name())
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if cfg.Nonce == "" {
		cfg.Nonce = transport.Nonce()
	}
	if cfg.Tier == "" {
		cfg.Tier = TierRegular
	}

	s := &Service{
		tr:       tr,
		tier:     cfg.Tier,
		nonce:    cfg.Nonce,
		log:      logx.Nop(),
		now:      time.Now,
		ctx:      context.Background(),
		channels: map[string]*channel{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.Component("chat"))
	s.placeholder.Store(cfg.Placeholder)
	s.defaultSlow.Store(int64(cfg.DefaultSlowMode))
	s.dupThreshold.Store(int64(cfg.DuplicateThreshold))

	switch cfg.Tier {
	case TierRegular:
		s.normal = ratelimit.MustNew(MessagesWindow, RegularMaxPerWindow,
			ratelimit.WithName("chat.normal"), ratelimit.WithLogger(s.log))
		s.privileged = ratelimit.MustNew(MessagesWindow, RegularMaxPrivileged,
			ratelimit.WithName("chat.privileged"), ratelimit.WithLogger(s.log))
	case TierVerified:
		s.verified = ratelimit.MustNew(MessagesWindow, VerifiedMaxPerWindow,
			ratelimit.WithName("chat.verified"), ratelimit.WithLogger(s.log))
	default:
		return nil, fmt.Errorf("chat: unknown rate limit tier %q", cfg.Tier)
	}
	return s, nil
}

func (s *Service) Nonce() string { return s.nonce }
func (s *Service) Tier() Tier    { return s.tier }

// SetDefaults applies reloaded configuration. Zero values keep the current setting.
func (s *Service) SetDefaults(slowMode, duplicateThreshold time.Duration, placeholder string) {
	if slowMode > 0 {
		s.defaultSlow.Store(int64(slowMode))
	}
	if duplicateThreshold > 0 {
		s.dupThreshold.Store(int64(duplicateThreshold))
	}
	if placeholder != "" {
		s.placeholder.Store(placeholder)
	}
}

// SetChecker replaces the content checker for messages sent from now on.
func (s *Service) SetChecker(c *moderation.Checker) { s.checker.Store(c) }

func (s *Service) defaultSlowMode() time.Duration { return time.Duration(s.defaultSlow.Load()) }
func (s *Service) duplicateThreshold() time.Duration {
	return time.Duration(s.dupThreshold.Load())
}

// Send validates and normalizes req, then queues it behind earlier sends to
// the same channel. It only fails on missing channel identifiers or after Close.
func (s *Service) Send(req SendRequest) error {
	if req.ChannelID == "" {
		return ErrMissingChannelID
	}
	if req.ChannelLogin == "" {
		return ErrMissingChannelLogin
	}
	if req.ParentID != "" && req.UserLogin == "" {
		req.ParentID = ""
	}

	maxLen := MaxLength(req.UserLogin, req.ParentID != "", req.Mention, req.IsAction)
	req.Text = stripLineBreaks(Trim(req.Text, maxLen))

	if m, ok := s.checker.Load().Check(req.Text); ok {
		s.filtered.Add(1)
		s.log.Warn("caught message",
			logx.String("pattern", m.Pattern),
			logx.String("channel", req.ChannelLogin),
			logx.String("user", req.UserLogin),
			logx.String("pointer", m.Pointer(req.Text)),
		)
		eventbus.Publish(s.bus, eventbus.ChatFiltered, eventbus.ChatEvent{
			ChannelID: req.ChannelID, ChannelLogin: req.ChannelLogin, Pattern: m.Pattern,
		})
		req.Text = Trim(s.placeholder.Load().(string), maxLen)
		req.ParentID = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ch := s.channelLocked(req.ChannelID)
	ch.lastUsed = s.now()
	if err := ch.queue.Enqueue(req); err != nil {
		return err
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("enqueued", logx.String("channel", req.ChannelLogin), logx.String("text", req.Text))
	}
	return nil
}

// channelLocked returns the channel entry, creating state and queue lazily.
func (s *Service) channelLocked(id string) *channel {
	if ch, ok := s.channels[id]; ok {
		return ch
	}
	ch := &channel{id: id, state: &channelState{}}
	ch.queue = asyncqueue.New(func(ctx context.Context, req SendRequest) error {
		return s.work(ctx, ch.state, req)
	},
		asyncqueue.WithCapacity(1<<3),
		asyncqueue.WithName("chat:"+id),
		asyncqueue.WithLogger(s.log),
		asyncqueue.WithContext(s.ctx),
	)
	s.channels[id] = ch
	return ch
}

func (s *Service) stateFor(id string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelLocked(id).state
}

// SetSlowModeDuration sets the channel's minimum gap between non-privileged
// sends. It never drops below the transport default.
func (s *Service) SetSlowModeDuration(channelID string, d time.Duration) {
	st := s.stateFor(channelID)
	st.mu.Lock()
	st.roomSlowMode = d
	st.mu.Unlock()
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("slow mode updated",
			logx.String("channel_id", channelID),
			logx.Duration("duration", max(d, s.defaultSlowMode())),
		)
	}
}

// OnRoomState applies a room-state slow tag in seconds; negative means absent.
func (s *Service) OnRoomState(channelID string, slowSeconds int) {
	if slowSeconds < 0 {
		return
	}
	s.SetSlowModeDuration(channelID, time.Duration(slowSeconds)*time.Second+100*time.Millisecond)
}

// RecordSend accounts for a message the bot sent outside this service.
func (s *Service) RecordSend(channelID string) {
	for _, l := range []*ratelimit.SlidingWindow{s.normal, s.privileged, s.verified} {
		if l != nil {
			l.ForceAdd()
		}
	}
	st := s.stateFor(channelID)
	st.mu.Lock()
	st.lastSendAt = s.now()
	st.mu.Unlock()
}

func (s *Service) work(ctx context.Context, st *channelState, req SendRequest) error {
	switch s.tier {
	case TierRegular:
		if req.Privileged {
			s.normal.ForceAdd()
			if err := s.privileged.Wait(ctx); err != nil {
				return err
			}
		} else {
			s.privileged.ForceAdd()
			if err := s.normal.Wait(ctx); err != nil {
				return err
			}
			if err := s.waitSlowMode(ctx, st); err != nil {
				return err
			}
		}
	case TierVerified:
		if err := s.verified.Wait(ctx); err != nil {
			return err
		}
		if !req.Privileged {
			if err := s.waitSlowMode(ctx, st); err != nil {
				return err
			}
		}
	}
	return s.dispatch(ctx, st, req)
}

func (s *Service) waitSlowMode(ctx context.Context, st *channelState) error {
	st.mu.Lock()
	gap := max(st.roomSlowMode, s.defaultSlowMode())
	toWait := gap - s.now().Sub(st.lastSendAt)
	st.mu.Unlock()
	if toWait <= 0 {
		return nil
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("sleeping for slow mode", logx.Duration("delay", toWait))
	}
	t := time.NewTimer(toWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) dispatch(ctx context.Context, st *channelState, req SendRequest) error {
	text := req.Text
	reply := req.ParentID != ""
	if req.Mention && req.UserLogin != "" && !reply {
		text = mentionPrefix(req.UserLogin, text)
	}

	duplicate := false
	st.mu.Lock()
	now := s.now()
	if !req.Privileged {
		flags := 0
		if reply {
			flags = 2
		} else if req.Mention {
			flags = 1
		}
		prefix := strconv.Itoa(flags)
		key := prefix + text
		if st.lastDuplicateKey == key && now.Sub(st.lastSendAt) < s.duplicateThreshold() {
			lim := MaxMessageLength
			if reply {
				lim -= utf8.RuneCountInString(req.UserLogin) + ReplyOverhead
			}
			text = withInvis(text, lim)
			key = prefix + text
			duplicate = true
		}
		st.lastDuplicateKey = key
	}
	st.lastSendAt = now
	st.mu.Unlock()

	s.sent.Add(1)
	if duplicate {
		s.dupes.Add(1)
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("sending", logx.String("channel", req.ChannelLogin), logx.String("text", text))
	}

	ev := eventbus.ChatEvent{
		ChannelID:    req.ChannelID,
		ChannelLogin: req.ChannelLogin,
		Length:       utf8.RuneCountInString(text),
		Privileged:   req.Privileged,
		Duplicate:    duplicate,
	}
	if err := s.tr.Send(ctx, req.ChannelID, req.ChannelLogin, text, s.nonce, req.ParentID); err != nil {
		s.failed.Add(1)
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.log.Error("send failed; message abandoned",
			logx.String("channel", req.ChannelLogin),
			logx.String("transport", s.tr.Name()),
			logx.Err(err),
		)
		ev.Error = err.Error()
		eventbus.Publish(s.bus, eventbus.ChatFailed, ev)
		return nil
	}
	eventbus.Publish(s.bus, eventbus.ChatSent, ev)
	return nil
}

// Sweep drops idle channels whose last activity is older than twice the
// duplicate threshold. It returns how many were removed.
func (s *Service) Sweep(now time.Time) int {
	cutoff := now.Add(-2 * s.duplicateThreshold())
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ch := range s.channels {
		if ch.queue.Draining() || ch.queue.Len() > 0 {
			continue
		}
		ch.state.mu.Lock()
		last := ch.state.lastSendAt
		slow := ch.state.roomSlowMode
		ch.state.mu.Unlock()
		if last.Before(ch.lastUsed) {
			last = ch.lastUsed
		}
		// Channels with a known room slow mode but no traffic keep their
		// state until they have sent at least once.
		if last.IsZero() && slow > 0 {
			continue
		}
		if last.Before(cutoff) {
			ch.queue.Close()
			delete(s.channels, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("swept idle channels", logx.Int("count", n))
	}
	return n
}

type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Filtered uint64 `json:"filtered"`
	Dupes    uint64 `json:"duplicates"`
	Channels int    `json:"channels"`
	Queued   int    `json:"queued"`
	Tier     Tier   `json:"tier"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Filtered: s.filtered.Load(),
		Dupes:    s.dupes.Load(),
		Channels: len(s.channels),
		Tier:     s.tier,
	}
	for _, ch := range s.channels {
		st.Queued += ch.queue.Len()
	}
	return st
}

// Flush waits until every channel queue is idle.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	queues := make([]*asyncqueue.Queue[SendRequest], 0, len(s.channels))
	for _, ch := range s.channels {
		queues = append(queues, ch.queue)
	}
	s.mu.Unlock()
	for _, q := range queues {
		if err := q.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close drops queued messages and stops all channel workers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.channels {
		ch.queue.Close()
		delete(s.channels, id)
	}
}
