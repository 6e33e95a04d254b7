package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
bot:
  id: "123456"
  login: relaybot
  tier: verified
logging:
  level: debug
chat:
  transport: irc
  slow_mode: 1500ms
  blocked_terms: [badword]
channels:
  load_schedule: "@every 10m"
  join_retry:
    max_retries: 3
pubsub:
  enabled: true
  max_connections: 5
  auto_join_watching: true
storage:
  driver: file
  path: ./data/relay
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("relay.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Bot.Login != "relaybot" || cfg.Bot.Tier != "verified" {
		t.Fatalf("bot = %+v", cfg.Bot)
	}
	if cfg.Chat.SlowMode.D() != 1500*time.Millisecond {
		t.Fatalf("slow_mode = %v", cfg.Chat.SlowMode)
	}
	if cfg.Chat.SweepSchedule != DefaultSweepSchedule || cfg.Cache.Driver != "memory" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Chat, cfg.Cache)
	}
	if cfg.Channels.JoinRetry.MaxRetries != 3 || cfg.Channels.LoadSchedule != "@every 10m" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		path string
		body string
	}{
		"unknown json key": {"c.json", `{"bot":{"id":"1","login":"x"},"webhook":{}}`},
		"unknown yaml key": {"c.yaml", "bot:\n  id: \"1\"\n  nick: x\n"},
		"trailing data":    {"c.json", `{"bot":{"id":"1","login":"x"}} {}`},
		"bad duration":     {"c.json", `{"chat":{"slow_mode":"fast"}}`},
		"numeric duration": {"c.json", `{"chat":{"slow_mode":5}}`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := Decode("c.yaml", []byte(sampleYAML))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		cfg.Secrets = Secrets{IRCToken: "tok", HermesToken: "tok", HelixClientID: "cid", HelixToken: "tok"}
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"pool cap", func(c *Config) { c.PubSub.MaxConnections = 101 }, "pubsub.max_connections: failed max=100"},
		{"tier", func(c *Config) { c.Bot.Tier = "gold" }, "bot.tier: failed oneof"},
		{"login case", func(c *Config) { c.Bot.Login = "RelayBot" }, "bot.login: failed lowercase"},
		{"transport", func(c *Config) { c.Chat.Transport = "smtp" }, "chat.transport"},
		{"missing irc token", func(c *Config) { c.Secrets.IRCToken = "" }, "TWITCH_IRC_TOKEN"},
		{"gql creds", func(c *Config) { c.Chat.Transport = "gql" }, "TWITCH_GQL_TOKEN"},
		{"hermes token", func(c *Config) { c.Secrets.HermesToken = "" }, "TWITCH_HERMES_TOKEN"},
		{"helix creds", func(c *Config) { c.Secrets.HelixToken = "" }, "TWITCH_HELIX_TOKEN"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "DATABASE_URL"},
		{"sqlite path", func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite"} }, "storage.path: failed required_if"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadSecretsFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := writeFile(t, dir, "relay.env", "TWITCH_IRC_TOKEN=fromfile\nREDIS_URL=redis://localhost:6379/0\n")
	t.Setenv("CHATRELAY_ENV_FILE", envPath)
	t.Setenv("TWITCH_IRC_TOKEN", "fromenv")
	t.Cleanup(func() { os.Unsetenv("REDIS_URL") })

	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.IRCToken != "fromenv" {
		t.Fatalf("IRCToken = %q, environment should win", s.IRCToken)
	}
	if s.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL = %q", s.RedisURL)
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATRELAY_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("TWITCH_IRC_TOKEN", "tok")
	t.Setenv("TWITCH_HERMES_TOKEN", "tok")
	t.Setenv("TWITCH_HELIX_CLIENT_ID", "cid")
	t.Setenv("TWITCH_HELIX_TOKEN", "tok")
	path := writeFile(t, dir, "relay.yaml", sampleYAML)

	m := NewManager(path)
	first, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first.Secrets.IRCToken != "tok" {
		t.Fatal("secrets not attached")
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ok, err := m.Reload(context.Background())
	if err != nil || ok {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, dir, "relay.yaml", strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	ok, err = m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	got := <-sub
	if got.Logging.Level != "warn" || got.Secrets.IRCToken != "tok" {
		t.Fatalf("published = %+v", got.Logging)
	}
	changed, _ := SummarizeConfigChange(first, got)
	if !slices.Equal(changed, []string{"logging"}) {
		t.Fatalf("changed = %v", changed)
	}

	writeFile(t, dir, "relay.yaml", strings.Replace(sampleYAML, "max_connections: 5", "max_connections: 500", 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("invalid reload accepted")
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatal("rejected reload replaced the committed config")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATRELAY_ENV_FILE", "")
	t.Setenv("TWITCH_IRC_TOKEN", "tok")
	t.Setenv("TWITCH_HERMES_TOKEN", "tok")
	t.Setenv("TWITCH_HELIX_CLIENT_ID", "cid")
	t.Setenv("TWITCH_HELIX_TOKEN", "tok")
	path := writeFile(t, dir, "relay.yaml", sampleYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "relay.yaml", strings.Replace(sampleYAML, "tier: verified", "tier: regular", 1))

	select {
	case cfg := <-sub:
		if cfg.Bot.Tier != "regular" {
			t.Fatalf("tier = %q", cfg.Bot.Tier)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch = %v", err)
	}
}
