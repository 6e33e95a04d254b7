package app

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"golang.org/x/time/rate"

	"chatrelay/internal/cache"
	"chatrelay/internal/channels"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/identity"
	"chatrelay/internal/observability/diag"
	"chatrelay/internal/pubsub"
	"chatrelay/internal/retry"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport/gql"
	"chatrelay/internal/transport/irc"
	logx "chatrelay/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRetry(rc config.RetryConfig, label string, log logx.Logger) retry.Options {
	return retry.Options{
		MaxRetries: rc.MaxRetries,
		BaseDelay:  rc.BaseDelay.D(),
		MaxDelay:   rc.MaxDelay.D(),
		Label:      label,
		Log:        log,
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.D(),
		DSN:         cfg.Secrets.DatabaseURL,
	}
}

func mapCache(cfg *config.Config) cache.Config {
	return cache.Config{
		Driver: cfg.Cache.Driver,
		Prefix: cfg.Cache.Prefix,
		URL:    cfg.Secrets.RedisURL,
	}
}

func mapIdentity(cfg *config.Config, log logx.Logger) identity.Config {
	return identity.Config{
		URL:         cfg.Identity.URL,
		ClientID:    cfg.Secrets.HelixClientID,
		Token:       cfg.Secrets.HelixToken,
		CacheTTL:    cfg.Identity.CacheTTL.D(),
		Concurrency: cfg.Identity.Concurrency,
		Timeout:     cfg.Identity.Timeout.D(),
		Retry:       retry.Options{Label: "identity", Log: log},
	}
}

// anonymousLogin is the read-only IRC nick used when no IRC token is set.
func anonymousLogin() string {
	return fmt.Sprintf("justinfan%d", 10000+rand.IntN(90000))
}

func mapIRC(cfg *config.Config, log logx.Logger) irc.Config {
	login := cfg.Bot.Login
	if cfg.Secrets.IRCToken == "" {
		login = anonymousLogin()
	}
	return irc.Config{
		URL:          cfg.IRC.URL,
		Login:        login,
		Token:        strings.TrimPrefix(cfg.Secrets.IRCToken, "oauth:"),
		WriteRate:    rate.Limit(cfg.IRC.WriteRate),
		WriteBurst:   cfg.IRC.WriteBurst,
		JoinTimeout:  cfg.IRC.JoinTimeout.D(),
		PingInterval: cfg.IRC.PingInterval.D(),
		Retry:        mapRetry(cfg.IRC.Retry, "irc.send", log),
	}
}

func mapGQL(cfg *config.Config, log logx.Logger) gql.Config {
	return gql.Config{
		URL:      cfg.GQL.URL,
		ClientID: cfg.Secrets.GQLClientID,
		Token:    cfg.Secrets.GQLToken,
		Timeout:  cfg.GQL.Timeout.D(),
		Retry:    mapRetry(cfg.GQL.Retry, "gql", log),
	}
}

func mapChat(cfg *config.Config) chat.Config {
	return chat.Config{
		Tier:               chat.Tier(cfg.Bot.Tier),
		DefaultSlowMode:    cfg.Chat.SlowMode.D(),
		DuplicateThreshold: cfg.Chat.DuplicateThreshold.D(),
		Placeholder:        cfg.Chat.Placeholder,
	}
}

func mapChannels(cfg *config.Config, log logx.Logger) channels.Config {
	return channels.Config{
		JoinWindow: cfg.Channels.JoinWindow.D(),
		JoinLimit:  cfg.Channels.JoinLimit,
		JoinRetry:  mapRetry(cfg.Channels.JoinRetry, "channels.join", log),
	}
}

func mapPubSub(cfg *config.Config) pubsub.Config {
	p := cfg.PubSub
	return pubsub.Config{
		URL:                    p.URL,
		Token:                  cfg.Secrets.HermesToken,
		MaxConnections:         p.MaxConnections,
		MaxTopicsPerConnection: p.MaxTopicsPerConnection,
		ReconnectDelay:         p.ReconnectDelay.D(),
		ReconnectBackoffMax:    p.ReconnectBackoffMax.D(),
		StableAfter:            p.StableAfter.D(),
		SpawnInterval:          p.SpawnInterval.D(),
		HealthInterval:         p.HealthInterval.D(),
		UserFeeds:              p.UserFeeds,
		ChannelFeeds:           p.ChannelFeeds,
	}
}

func mapDiag(cfg *config.Config) diag.Config {
	d := cfg.Diag
	return diag.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                cfg.Secrets.DiagToken,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          d.ReadTimeout.D(),
		WriteTimeout:         d.WriteTimeout.D(),
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
