package irc

import (
	"testing"

	logx "chatrelay/pkg/logx"
)

func nilLogger() logx.Logger { return logx.Nop() }

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		line     string
		command  string
		channel  string
		nick     string
		trailing string
		tags     map[string]string
	}{
		{
			name:    "ping",
			line:    "PING :tmi.twitch.tv",
			command: "PING", trailing: "tmi.twitch.tv",
		},
		{
			name:    "privmsg with tags",
			line:    `@badge-info=;display-name=Foo\sBar;id=abc :foo!foo@foo.tmi.twitch.tv PRIVMSG #chan :hello :) world`,
			command: "PRIVMSG", channel: "chan", nick: "foo", trailing: "hello :) world",
			tags: map[string]string{"display-name": "Foo Bar", "id": "abc", "badge-info": ""},
		},
		{
			name:    "numeric",
			line:    ":tmi.twitch.tv 001 bot :Welcome, GLHF!\r\n",
			command: "001", channel: "bot", trailing: "Welcome, GLHF!", nick: "tmi.twitch.tv",
		},
		{
			name:    "roomstate without trailing",
			line:    "@room-id=1;slow=10 :tmi.twitch.tv ROOMSTATE #chan",
			command: "ROOMSTATE", channel: "chan", nick: "tmi.twitch.tv",
			tags: map[string]string{"room-id": "1", "slow": "10"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := Parse(tt.line)
			if !ok {
				t.Fatalf("Parse(%q) failed", tt.line)
			}
			if m.Command != tt.command || m.Channel() != tt.channel || m.Trailing != tt.trailing {
				t.Fatalf("got command=%q channel=%q trailing=%q", m.Command, m.Channel(), m.Trailing)
			}
			if tt.nick != "" && m.Nick() != tt.nick {
				t.Fatalf("Nick = %q, want %q", m.Nick(), tt.nick)
			}
			for k, v := range tt.tags {
				if got, ok := m.Tags[k]; !ok || got != v {
					t.Fatalf("tag %s = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, line := range []string{"", "@only-tags", ":prefixonly"} {
		if _, ok := Parse(line); ok {
			t.Fatalf("Parse(%q) should fail", line)
		}
	}
}

func TestPrivmsg(t *testing.T) {
	t.Parallel()
	if got := privmsg("c", "hi", "n1", ""); got != "@client-nonce=n1 PRIVMSG #c :hi" {
		t.Fatalf("privmsg = %q", got)
	}
	if got := privmsg("c", "hi", "n1", "p"); got != "@reply-parent-msg-id=p;client-nonce=n1 PRIVMSG #c :hi" {
		t.Fatalf("privmsg reply = %q", got)
	}
}

func TestToMessageAction(t *testing.T) {
	t.Parallel()
	m, _ := Parse("@badges=vip/1;tmi-sent-ts=1700000000000 :u!u@u PRIVMSG #c :\x01ACTION waves\x01")
	msg := toMessage(m)
	if !msg.Action || msg.Text != "waves" || !msg.Privileged || msg.SentAt.IsZero() {
		t.Fatalf("message = %+v", msg)
	}
}
