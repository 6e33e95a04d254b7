package moderation

import "testing"

func TestCheck(t *testing.T) {
	t.Parallel()
	c, err := New([]string{"forbidden phrase", "spoiler"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name    string
		text    string
		pattern string
	}{
		{"clean", "hello there, how is the stream going?", ""},
		{"age digits", "hey chat i am 12 lol", "age"},
		{"age words", "my age is eleven years old", "age"},
		{"adult age", "i am 25 years old", ""},
		{"blocked term", "this is a F0rbidden-phrase ok", "blocked_term"},
		{"blocked leet", "no $p0iler please", "blocked_term"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ok := c.Check(tt.text)
			if tt.pattern == "" {
				if ok {
					t.Fatalf("unexpected match %+v", m)
				}
				return
			}
			if !ok || m.Pattern != tt.pattern {
				t.Fatalf("Check(%q) = %+v, %v; want pattern %q", tt.text, m, ok, tt.pattern)
			}
			if tt.text[m.Start:m.End] != m.Text {
				t.Fatalf("span %d:%d does not match text %q", m.Start, m.End, m.Text)
			}
		})
	}
}

func TestBlockedTermSpanMapsToOriginal(t *testing.T) {
	t.Parallel()
	c, err := New([]string{"spoiler"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m, ok := c.Check("big S.P.O.I.L.E.R here")
	if !ok {
		t.Fatal("expected match")
	}
	if m.Text != "S.P.O.I.L.E.R" {
		t.Fatalf("Text = %q", m.Text)
	}
}

func TestNilCheckerAndNoTerms(t *testing.T) {
	t.Parallel()
	var nilChecker *Checker
	if _, ok := nilChecker.Check("i am 12"); ok {
		t.Fatal("nil checker should never match")
	}
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Check("plain text"); ok {
		t.Fatal("unexpected match")
	}
}

func TestPointer(t *testing.T) {
	t.Parallel()
	m := Match{Start: 4, End: 7}
	got := m.Pointer("abc defg")
	want := "abc defg\n    ^^^"
	if got != want {
		t.Fatalf("Pointer = %q, want %q", got, want)
	}
}
