package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/moderation"
	"chatrelay/internal/schedule"
	logx "chatrelay/pkg/logx"
)

// checkReload rejects a reloaded config whose live-applied parts would fail.
func (a *App) checkReload(_ context.Context, cfg *config.Config) error {
	if _, err := schedule.Parse(cfg.Channels.LoadSchedule); err != nil {
		return fmt.Errorf("channels.load_schedule: %w", err)
	}
	if _, err := schedule.Parse(cfg.Chat.SweepSchedule); err != nil {
		return fmt.Errorf("chat.sweep_schedule: %w", err)
	}
	if _, err := moderation.New(cfg.Chat.BlockedTerms); err != nil {
		return fmt.Errorf("chat.blocked_terms: %w", err)
	}
	return nil
}

func (a *App) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Keep this debug-level; joins and sends are frequent.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if e.Type == eventbus.ChannelJoined && a.gql != nil {
				if ev, ok := e.Data.(eventbus.ChannelEvent); ok {
					login := ev.Login
					a.enqueue(func(c context.Context) error { return a.refreshChatSettings(c, login) })
				}
			}
		}
	}
}

// reloadLoop applies committed config reloads. Sections that need new
// connections are only reported.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		a.applyConfig(lastApplied, newCfg, sections)
		lastApplied = newCfg

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config, sections []string) {
	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogging(newCfg))
	}

	if slices.Contains(sections, "chat") {
		a.chat.SetDefaults(newCfg.Chat.SlowMode.D(), newCfg.Chat.DuplicateThreshold.D(), newCfg.Chat.Placeholder)
		if !slices.Equal(oldCfg.Chat.BlockedTerms, newCfg.Chat.BlockedTerms) {
			// checkReload already compiled these once.
			if checker, err := moderation.New(newCfg.Chat.BlockedTerms); err == nil {
				a.chat.SetChecker(checker)
			}
		}
		if oldCfg.Chat.SweepSchedule != newCfg.Chat.SweepSchedule {
			a.reschedule(sweepJobName, newCfg.Chat.SweepSchedule, sweepTimeout, a.sweepChat)
		}
	}

	if oldCfg.Channels.LoadSchedule != newCfg.Channels.LoadSchedule {
		a.reschedule(loadJobName, newCfg.Channels.LoadSchedule, loadTimeout, a.loadChannels)
	}

	if a.pubsub != nil {
		a.autoJoin.Store(newCfg.PubSub.AutoJoinWatching)
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "irc", "gql", "pubsub", "identity", "cache", "storage":
			restart = append(restart, s)
		}
	}
	if oldCfg.Chat.Transport != newCfg.Chat.Transport || oldCfg.Bot.ID != newCfg.Bot.ID || oldCfg.Bot.Login != newCfg.Bot.Login {
		restart = append(restart, "bot/transport")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", restart))
	}
}

func (a *App) reschedule(name, spec string, timeout time.Duration, fn schedule.Job) {
	if err := a.sched.Add(name, spec, timeout, fn); err != nil {
		a.log.Warn("reschedule failed; keeping previous", logx.String("job", name), logx.Err(err))
		return
	}
	a.log.Info("job rescheduled", logx.String("job", name), logx.String("spec", spec))
}
