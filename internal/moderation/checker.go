// Package moderation screens outbound text for content the platform bans.
package moderation

import (
	"regexp"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Match describes the first offending span in a message.
type Match struct {
	Pattern string
	Start   int // byte offset
	End     int
	Text    string
}

// Pointer renders the message with a caret line under the match, for logs.
func (m Match) Pointer(msg string) string {
	if m.End <= m.Start || m.End > len(msg) {
		return msg
	}
	pad := len([]rune(msg[:m.Start]))
	width := len([]rune(msg[m.Start:m.End]))
	return msg + "\n" + strings.Repeat(" ", pad) + strings.Repeat("^", max(width, 1))
}

type pattern struct {
	name string
	re   *regexp.Regexp
	// reject filters matches the regexp engine cannot exclude itself
	// (no lookaround in RE2).
	reject func(s string, start, end int) bool
}

var (
	racismRe = regexp.MustCompile(`(?i)(?:\b|monka)(?:[nñ]|[i7]v|[/|]\\[/|])[\s.]*?[li1y!j/|]+[\s.]*?(?:[gb6934qğĝƃ5*][\s.]*?){2,}`)
	ageRe    = regexp.MustCompile(`(?i)(?:i|my age)\s*['’]?\s*(?:am|'m|m| is)\s*(?:under\s*)?(?:less\s*than\s*)?\s*(?:1[0-4]|[1-9]$|[1-9]\s?(?:yo|years|years\s old)|(?:one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen)(?:$|\s?(?:yo|years|years\s old)))`)
	homoRe   = regexp.MustCompile(`(?i)(?:\s|^)f\s*[ag@а]\s*[g8][o0]*t*`)

	racismSuffixes = regexp.MustCompile(`(?i)^(?:arcs|l|ktlw|ylul|ie217|64|\d? ?times)`)
)

func rejectRacism(s string, start, end int) bool {
	if start > 0 && strings.ContainsRune("-=.", rune(s[start-1])) {
		return true
	}
	return racismSuffixes.MatchString(s[end:])
}

var builtin = []pattern{
	{name: "racism", re: racismRe, reject: rejectRacism},
	{name: "age", re: ageRe},
	{name: "homophobia", re: homoRe},
}

// Checker holds the built-in patterns plus an optional blocked-term list.
// It is safe for concurrent use once built.
type Checker struct {
	patterns []pattern
	terms    *goahocorasick.Machine
}

// New builds a Checker. Terms are matched case-insensitively after leet and
// punctuation normalization.
func New(blockedTerms []string) (*Checker, error) {
	c := &Checker{patterns: builtin}
	patterns := make([][]rune, 0, len(blockedTerms))
	for _, term := range blockedTerms {
		if r := normalizeRunes([]rune(term)); len(r) > 0 {
			patterns = append(patterns, r)
		}
	}
	if len(patterns) > 0 {
		m := new(goahocorasick.Machine)
		if err := m.Build(patterns); err != nil {
			return nil, err
		}
		c.terms = m
	}
	return c, nil
}

// Check returns the first match, or false when text is clean.
func (c *Checker) Check(text string) (Match, bool) {
	if c == nil || text == "" {
		return Match{}, false
	}
	for _, p := range c.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.reject != nil && p.reject(text, loc[0], loc[1]) {
				continue
			}
			return Match{Pattern: p.name, Start: loc[0], End: loc[1], Text: text[loc[0]:loc[1]]}, true
		}
	}
	if c.terms != nil {
		if m, ok := c.matchTerms(text); ok {
			return m, true
		}
	}
	return Match{}, false
}

func (c *Checker) matchTerms(text string) (Match, bool) {
	orig := []rune(text)
	norm := make([]rune, 0, len(orig))
	idx := make([]int, 0, len(orig))
	for i, r := range orig {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		norm = append(norm, unicode.ToLower(clean))
		idx = append(idx, i)
	}
	if len(norm) == 0 {
		return Match{}, false
	}
	terms := c.terms.MultiPatternSearch(norm, true)
	if len(terms) == 0 {
		return Match{}, false
	}
	t := terms[0]
	end := t.Pos + len(t.Word)
	if t.Pos < 0 || end > len(idx) {
		return Match{}, false
	}
	startByte := len(string(orig[:idx[t.Pos]]))
	endByte := len(string(orig[:idx[end-1]+1]))
	return Match{Pattern: "blocked_term", Start: startByte, End: endByte, Text: text[startByte:endByte]}, true
}

func normalizeRunes(in []rune) []rune {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune maps common leet substitutions back to letters.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
