package channels

import (
	"context"
	"time"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/identity"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

// Store is the part of storage.Store that Load needs.
type Store interface {
	ListChannels(ctx context.Context) ([]storage.Channel, error)
	UpdateChannel(ctx context.Context, id, field string, value any) error
}

// Resolver looks up live users by id; ids missing from the result are
// treated as suspended.
type Resolver interface {
	ResolveIDs(ctx context.Context, ids []string) (map[string]identity.User, error)
}

// LoadReport summarizes one reconciliation pass.
type LoadReport struct {
	Channels    int
	Joined      int
	Suspended   int
	Unsuspended int
	Renamed     int
	Took        time.Duration
}

// Load reconciles persisted channels with the platform and joins every
// channel that still exists. Concurrent calls return ErrLoadInProgress.
func (m *Manager) Load(ctx context.Context) (LoadReport, error) {
	var rep LoadReport
	if m.store == nil || m.resolver == nil {
		return rep, nil
	}
	if !m.loadMu.TryLock() {
		return rep, ErrLoadInProgress
	}
	defer m.loadMu.Unlock()

	t0 := m.now()
	chans, err := m.store.ListChannels(ctx)
	if err != nil {
		m.log.Error("load: list channels", logx.Err(err))
		return rep, err
	}
	ids := make([]string, len(chans))
	for i, c := range chans {
		ids[i] = c.ID
	}
	t1 := m.now()
	users, err := m.resolver.ResolveIDs(ctx, ids)
	if err != nil {
		m.log.Error("load: resolve channels", logx.Err(err))
		return rep, err
	}
	m.log.Debug("load fetched",
		logx.Int("db", len(chans)),
		logx.Duration("db_took", t1.Sub(t0)),
		logx.Int("platform", len(users)),
		logx.Duration("platform_took", m.now().Sub(t1)),
	)
	rep.Channels = len(chans)

	for _, c := range chans {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		u, ok := users[c.ID]
		if !ok {
			gone := !c.Suspended
			if gone {
				m.update(ctx, c.ID, storage.FieldSuspended, true)
				m.log.Info("channel suspended", logx.String("channel", c.Login))
				eventbus.Publish(m.bus, eventbus.ChannelSuspended, eventbus.ChannelEvent{ID: c.ID, Login: c.Login})
				rep.Suspended++
			}
			if m.isDesired(c.Login) {
				_ = m.Part(ctx, c.Login)
				gone = true
			}
			if gone && m.onPart != nil {
				m.onPart(ctx, c.ID)
			}
			continue
		}
		if c.Suspended {
			m.update(ctx, c.ID, storage.FieldSuspended, false)
			m.log.Info("channel unsuspended", logx.String("channel", c.Login))
			eventbus.Publish(m.bus, eventbus.ChannelUnsuspended, eventbus.ChannelEvent{ID: c.ID, Login: c.Login})
			rep.Unsuspended++
		}
		if u.Login != "" && c.Login != u.Login {
			m.update(ctx, c.ID, storage.FieldLogin, u.Login)
			m.log.Info("channel renamed", logx.String("from", c.Login), logx.String("to", u.Login))
			eventbus.Publish(m.bus, eventbus.ChannelRenamed, eventbus.ChannelEvent{ID: c.ID, Login: u.Login, From: c.Login})
			rep.Renamed++
			if m.isDesired(c.Login) {
				_ = m.Part(ctx, c.Login)
			}
		}
		if u.DisplayName != "" && c.DisplayName != u.DisplayName {
			m.update(ctx, c.ID, storage.FieldDisplayName, u.DisplayName)
		}

		if m.onChannel != nil {
			m.onChannel(ctx, c.ID)
		}
		login := u.Login
		if login == "" {
			login = c.Login
		}
		m.Join(login)
		rep.Joined++
	}
	rep.Took = m.now().Sub(t0)
	m.log.Info("channels loaded",
		logx.Int("channels", rep.Channels),
		logx.Int("joining", rep.Joined),
		logx.Int("suspended", rep.Suspended),
		logx.Int("renamed", rep.Renamed),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

func (m *Manager) update(ctx context.Context, id, field string, value any) {
	if err := m.store.UpdateChannel(ctx, id, field, value); err != nil {
		m.log.Error("load: update channel",
			logx.String("id", id),
			logx.String("field", field),
			logx.Err(err),
		)
	}
}
