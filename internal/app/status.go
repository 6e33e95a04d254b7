package app

import (
	"context"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/chat"
	"chatrelay/internal/pubsub"
	"chatrelay/internal/runtime/supervisor"
	"chatrelay/internal/schedule"
)

// Status is the /status document served by the diagnostics server.
type Status struct {
	Bot        string                `json:"bot"`
	Transport  string                `json:"transport"`
	Uptime     string                `json:"uptime"`
	Channels   ChannelStatus         `json:"channels"`
	Chat       chat.Stats            `json:"chat"`
	PubSub     *pubsub.Stats         `json:"pubsub,omitempty"`
	Cache      *cache.Stats          `json:"cache,omitempty"`
	Jobs       JobStatus             `json:"jobs"`
	Schedule   []schedule.EntryStats `json:"schedule"`
	Tasks      supervisor.Snapshot   `json:"tasks"`
	BusDropped uint64                `json:"bus_dropped"`
}

type ChannelStatus struct {
	Desired int    `json:"desired"`
	Joined  int    `json:"joined"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

type JobStatus struct {
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

func (a *App) Status(ctx context.Context) any {
	st := Status{
		Bot:       a.botLogin,
		Transport: a.transportName(),
		Chat:      a.chat.Stats(),
		Jobs: JobStatus{
			Queued:    a.jobs.Len(),
			Processed: a.jobs.Processed(),
			Failed:    a.jobs.Failed(),
		},
		Schedule:   a.sched.Snapshot(),
		Tasks:      a.sup.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}

	st.Channels.Desired = len(a.channels.Desired())
	st.Channels.Pending = a.channels.Pending()
	if joined, err := a.channels.Joined(ctx); err != nil {
		st.Channels.Error = err.Error()
	} else {
		st.Channels.Joined = len(joined)
	}

	if a.pubsub != nil {
		ps := a.pubsub.Stats()
		st.PubSub = &ps
	}
	if cs, ok := a.cache.(interface{ Stats() cache.Stats }); ok {
		s := cs.Stats()
		st.Cache = &s
	}
	return st
}
