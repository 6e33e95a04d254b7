package irc

import (
	"strings"
)

// Message is one parsed IRC line with IRCv3 tags.
type Message struct {
	Tags     map[string]string
	Prefix   string
	Command  string
	Params   []string
	Trailing string
	Raw      string
}

// Nick returns the nickname part of the prefix.
func (m Message) Nick() string {
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

// Channel returns the first parameter without its leading '#'.
func (m Message) Channel() string {
	if len(m.Params) == 0 {
		return ""
	}
	return strings.TrimPrefix(m.Params[0], "#")
}

// Parse decodes a single line. ok is false for empty or malformed input.
func Parse(line string) (Message, bool) {
	line = strings.TrimRight(line, "\r\n")
	m := Message{Raw: line}
	if line == "" {
		return m, false
	}

	if line[0] == '@' {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return m, false
		}
		m.Tags = parseTags(line[1:sp])
		line = strings.TrimLeft(line[sp+1:], " ")
	}
	if strings.HasPrefix(line, ":") {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return m, false
		}
		m.Prefix = line[1:sp]
		line = strings.TrimLeft(line[sp+1:], " ")
	}

	if i := strings.Index(line, " :"); i >= 0 {
		m.Trailing = line[i+2:]
		line = line[:i]
	} else if strings.HasPrefix(line, ":") {
		m.Trailing = line[1:]
		line = ""
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return m, false
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	return m, true
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string, strings.Count(raw, ";")+1)
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = unescapeTag(v)
	}
	return tags
}

var tagUnescaper = strings.NewReplacer(`\s`, " ", `\:`, ";", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return tagUnescaper.Replace(v)
}

// privmsg formats an outbound chat line. The reply tag is only present when
// the message is threaded.
func privmsg(channel, text, nonce, parentID string) string {
	var b strings.Builder
	b.Grow(len(channel) + len(text) + len(nonce) + len(parentID) + 48)
	b.WriteByte('@')
	if parentID != "" {
		b.WriteString("reply-parent-msg-id=")
		b.WriteString(parentID)
		b.WriteByte(';')
	}
	b.WriteString("client-nonce=")
	b.WriteString(nonce)
	b.WriteString(" PRIVMSG #")
	b.WriteString(channel)
	b.WriteString(" :")
	b.WriteString(text)
	return b.String()
}
