package config

import (
	"reflect"
	"sort"

	logx "chatrelay/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields describing the new values. Secrets are never included, and
// fields that need a restart are flagged with restart=true.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	if oldCfg.Bot != newCfg.Bot {
		changed = append(changed, "bot")
		restart = restart || oldCfg.Bot.ID != newCfg.Bot.ID || oldCfg.Bot.Login != newCfg.Bot.Login
		attrs = append(attrs,
			logx.String("bot.login", newCfg.Bot.Login),
			logx.String("bot.tier", newCfg.Bot.Tier),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Chat, newCfg.Chat) {
		changed = append(changed, "chat")
		restart = restart || oldCfg.Chat.Transport != newCfg.Chat.Transport
		attrs = append(attrs,
			logx.String("chat.transport", newCfg.Chat.Transport),
			logx.Duration("chat.slow_mode", newCfg.Chat.SlowMode.D()),
			logx.Duration("chat.duplicate_threshold", newCfg.Chat.DuplicateThreshold.D()),
			logx.Int("chat.blocked_terms", len(newCfg.Chat.BlockedTerms)),
		)
	}
	if oldCfg.IRC != newCfg.IRC {
		changed = append(changed, "irc")
		restart = true
	}
	if oldCfg.GQL != newCfg.GQL {
		changed = append(changed, "gql")
		restart = true
	}
	if oldCfg.Channels != newCfg.Channels {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.String("channels.load_schedule", newCfg.Channels.LoadSchedule))
		restart = restart || oldCfg.Channels.JoinWindow != newCfg.Channels.JoinWindow ||
			oldCfg.Channels.JoinLimit != newCfg.Channels.JoinLimit ||
			oldCfg.Channels.JoinRetry != newCfg.Channels.JoinRetry
	}
	if !reflect.DeepEqual(oldCfg.PubSub, newCfg.PubSub) {
		changed = append(changed, "pubsub")
		restart = true
		attrs = append(attrs,
			logx.Bool("pubsub.enabled", newCfg.PubSub.Enabled),
			logx.Int("pubsub.max_connections", newCfg.PubSub.MaxConnections),
			logx.Int("pubsub.max_topics_per_connection", newCfg.PubSub.MaxTopicsPerConnection),
		)
	}
	if oldCfg.Identity != newCfg.Identity {
		changed = append(changed, "identity")
		restart = true
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		restart = true
		attrs = append(attrs, logx.String("cache.driver", newCfg.Cache.Driver))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
		)
	}
	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", newCfg.Diag.Addr),
			logx.Bool("diag.token_set", newCfg.Secrets.DiagToken != ""),
		)
	}

	sort.Strings(changed)
	if len(changed) > 0 {
		attrs = append(attrs, logx.Bool("restart", restart))
	}
	return changed, attrs
}
