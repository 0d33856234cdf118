package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortUnchanged(t *testing.T) {
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 12, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextRespectsLimitInRunes(t *testing.T) {
	s := strings.Repeat("é", 25)
	for _, c := range splitText(s, 10, "") {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk of %d runes", n)
		}
	}
}

func TestSplitTextAvoidsCuttingTags(t *testing.T) {
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitText(s, 10, "HTML")
	if got[0] != strings.Repeat("x", 8) || !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("got %q", got)
	}
}
