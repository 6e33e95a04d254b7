package config

import (
	"time"
)

// Config is the file configuration plus the secrets read from the
// environment. Secrets never round-trip through the file.
type Config struct {
	Bot      BotConfig      `json:"bot"`
	Logging  LoggingConfig  `json:"logging"`
	Chat     ChatConfig     `json:"chat"`
	IRC      IRCConfig      `json:"irc"`
	GQL      GQLConfig      `json:"gql"`
	Channels ChannelsConfig `json:"channels"`
	PubSub   PubSubConfig   `json:"pubsub"`
	Identity IdentityConfig `json:"identity"`
	Cache    CacheConfig    `json:"cache"`
	Storage  StorageConfig  `json:"storage"`
	Diag     DiagConfig     `json:"diag"`

	Secrets Secrets `json:"-"`
}

type BotConfig struct {
	ID    string `json:"id" validate:"required,numeric"`
	Login string `json:"login" validate:"required,lowercase,max=25"`
	// Tier selects the outbound message budget.
	Tier     string `json:"tier" validate:"omitempty,oneof=regular verified"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type ChatConfig struct {
	Transport string `json:"transport" validate:"omitempty,oneof=irc gql"`
	// SlowMode overrides the per-transport default gap between messages.
	SlowMode           Duration `json:"slow_mode,omitempty"`
	DuplicateThreshold Duration `json:"duplicate_threshold,omitempty"`
	Placeholder        string   `json:"placeholder,omitempty"`
	BlockedTerms       []string `json:"blocked_terms,omitempty" validate:"dive,required"`
	SweepSchedule      string   `json:"sweep_schedule,omitempty"`
}

// RetryConfig mirrors retry.Options for the file format.
type RetryConfig struct {
	MaxRetries int      `json:"max_retries" validate:"gte=0,lte=20"`
	BaseDelay  Duration `json:"base_delay,omitempty"`
	MaxDelay   Duration `json:"max_delay,omitempty"`
}

type IRCConfig struct {
	URL          string      `json:"url,omitempty" validate:"omitempty,url"`
	WriteRate    float64     `json:"write_rate,omitempty" validate:"gte=0"`
	WriteBurst   int         `json:"write_burst,omitempty" validate:"gte=0"`
	JoinTimeout  Duration    `json:"join_timeout,omitempty"`
	PingInterval Duration    `json:"ping_interval,omitempty"`
	Retry        RetryConfig `json:"retry"`
}

type GQLConfig struct {
	URL     string      `json:"url,omitempty" validate:"omitempty,url"`
	Timeout Duration    `json:"timeout,omitempty"`
	Retry   RetryConfig `json:"retry"`
}

type ChannelsConfig struct {
	LoadSchedule string      `json:"load_schedule,omitempty"`
	JoinWindow   Duration    `json:"join_window,omitempty"`
	JoinLimit    int         `json:"join_limit,omitempty" validate:"gte=0"`
	JoinRetry    RetryConfig `json:"join_retry"`
}

type PubSubConfig struct {
	Enabled                bool     `json:"enabled"`
	URL                    string   `json:"url,omitempty" validate:"omitempty,url"`
	MaxConnections         int      `json:"max_connections,omitempty" validate:"omitempty,min=1,max=100"`
	MaxTopicsPerConnection int      `json:"max_topics_per_connection,omitempty" validate:"omitempty,min=1,max=100"`
	ReconnectDelay         Duration `json:"reconnect_delay,omitempty"`
	ReconnectBackoffMax    Duration `json:"reconnect_backoff_max,omitempty"`
	StableAfter            Duration `json:"stable_after,omitempty"`
	SpawnInterval          Duration `json:"spawn_interval,omitempty"`
	HealthInterval         Duration `json:"health_interval,omitempty"`
	// AutoJoinWatching joins channels the bot account starts watching.
	AutoJoinWatching bool     `json:"auto_join_watching"`
	UserFeeds        []string `json:"user_feeds,omitempty" validate:"dive,required"`
	ChannelFeeds     []string `json:"channel_feeds,omitempty" validate:"dive,required"`
}

type IdentityConfig struct {
	URL         string   `json:"url,omitempty" validate:"omitempty,url"`
	CacheTTL    Duration `json:"cache_ttl,omitempty"`
	Concurrency int      `json:"concurrency,omitempty" validate:"gte=0,lte=32"`
	Timeout     Duration `json:"timeout,omitempty"`
}

type CacheConfig struct {
	Driver string `json:"driver,omitempty" validate:"omitempty,oneof=memory redis"`
	Prefix string `json:"prefix,omitempty"`
}

type StorageConfig struct {
	Driver      string   `json:"driver,omitempty" validate:"omitempty,oneof=none file sqlite postgres"`
	Path        string   `json:"path,omitempty" validate:"required_if=Driver file,required_if=Driver sqlite"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type DiagConfig struct {
	Enabled              bool     `json:"enabled"`
	Addr                 string   `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	AllowInsecure        bool     `json:"allow_insecure,omitempty"`
	ReadTimeout          Duration `json:"read_timeout,omitempty"`
	WriteTimeout         Duration `json:"write_timeout,omitempty"`
	MutexProfileFraction int      `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int      `json:"block_profile_rate,omitempty" validate:"gte=0"`
}

// Secrets are read from the process environment, optionally preloaded
// from a .env file.
type Secrets struct {
	IRCToken      string `env:"TWITCH_IRC_TOKEN"`
	GQLClientID   string `env:"TWITCH_GQL_CLIENT_ID"`
	GQLToken      string `env:"TWITCH_GQL_TOKEN"`
	HermesToken   string `env:"TWITCH_HERMES_TOKEN"`
	HelixClientID string `env:"TWITCH_HELIX_CLIENT_ID"`
	HelixToken    string `env:"TWITCH_HELIX_TOKEN"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	DiagToken     string `env:"CHATRELAY_DIAG_TOKEN"`
	// EnvFile is read before the environment is parsed. A missing file is
	// not an error.
	EnvFile string `env:"CHATRELAY_ENV_FILE" envDefault:".env"`
}

// Defaults applied after decoding.
const (
	DefaultLoadSchedule  = "@every 30m"
	DefaultSweepSchedule = "@every 1m"
	DefaultLogLevel      = "info"
)

func (c *Config) applyDefaults() {
	if c.Bot.Tier == "" {
		c.Bot.Tier = "regular"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Chat.Transport == "" {
		c.Chat.Transport = "irc"
	}
	if c.Chat.SweepSchedule == "" {
		c.Chat.SweepSchedule = DefaultSweepSchedule
	}
	if c.Channels.LoadSchedule == "" {
		c.Channels.LoadSchedule = DefaultLoadSchedule
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "chatrelay:"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "none"
	}
	if c.PubSub.AutoJoinWatching && !c.PubSub.Enabled {
		c.PubSub.AutoJoinWatching = false
	}
}

// Location returns the bot timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c.Bot.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Bot.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
