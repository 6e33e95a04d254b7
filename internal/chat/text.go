package chat

import (
	"strings"
	"unicode/utf8"
)

// Lengths are counted in runes.
const (
	MaxMessageLength = 500

	ReplyOverhead   = 2 // "@user "
	MentionOverhead = 3 // "@user, "
	ActionOverhead  = 4 // "/me "
)

// Invis is appended to a repeated message so the platform does not reject it
// as a duplicate.
const Invis = " \U000E0000"

var invisLen = utf8.RuneCountInString(Invis)

// MaxLength returns how many runes of body text fit in one message once the
// reply, mention or action decoration is added.
func MaxLength(userLogin string, reply, mention, action bool) int {
	n := MaxMessageLength
	if action {
		n -= ActionOverhead
	}
	switch {
	case reply && userLogin != "":
		n -= utf8.RuneCountInString(userLogin) + ReplyOverhead
	case mention && userLogin != "":
		n -= utf8.RuneCountInString(userLogin) + MentionOverhead
	}
	return max(n, 1)
}

// Trim shortens s to at most lim runes, ending with an ellipsis when cut.
func Trim(s string, lim int) string {
	if lim < 1 || utf8.RuneCountInString(s) <= lim {
		return s
	}
	r := []rune(s)
	return string(r[:lim-1]) + "…"
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

func stripLineBreaks(s string) string { return lineBreaks.Replace(s) }

func mentionPrefix(userLogin, text string) string {
	return "@" + userLogin + ", " + text
}

// withInvis appends the duplicate marker, cutting text so the result stays
// within lim runes.
func withInvis(text string, lim int) string {
	if utf8.RuneCountInString(text)+invisLen <= lim {
		return text + Invis
	}
	return Trim(text, lim-invisLen) + Invis
}
