package domain

import (
	"strings"
	"testing"
)

func TestRegistrable_SimpleTLD(t *testing.T) {
	idx := NewFallbackPublicSuffixIndex()
	got := idx.Registrable("www.example.com")
	if got != "example.com" {
		t.Errorf("got %q, want example.com", got)
	}
}

func TestRegistrable_CoUK(t *testing.T) {
	idx := NewFallbackPublicSuffixIndex()
	got := idx.Registrable("shop.example.co.uk")
	if got != "example.co.uk" {
		t.Errorf("got %q, want example.co.uk", got)
	}
}

func TestRegistrable_FromURL(t *testing.T) {
	idx := NewFallbackPublicSuffixIndex()
	got := idx.Registrable("https://deep.sub.example.org/path?x=1")
	if got != "example.org" {
		t.Errorf("got %q, want example.org", got)
	}
}

func TestRegistrable_EmptyInput(t *testing.T) {
	idx := NewFallbackPublicSuffixIndex()
	if got := idx.Registrable("   "); got != "" {
		t.Errorf("got %q, want empty string", got)
	}
}

func TestRegistrable_NonDNSNameReturnsUnchanged(t *testing.T) {
	idx := NewFallbackPublicSuffixIndex()
	got := idx.Registrable("not a host!!")
	if got != "not a host!!" {
		t.Errorf("got %q, want input unchanged", got)
	}
}

func TestRegistrable_WildcardAndException(t *testing.T) {
	idx, err := NewPublicSuffixIndex(strings.NewReader(padToMinLines("*.ck\n!www.ck\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := idx.Registrable("foo.bar.ck"); got != "foo.bar.ck" {
		t.Errorf("got %q, want foo.bar.ck", got)
	}
	if got := idx.Registrable("www.ck"); got != "www.ck" {
		t.Errorf("exception rule: got %q, want www.ck", got)
	}
}

func TestNewPublicSuffixIndex_BelowMinLinesFallsBack(t *testing.T) {
	idx, err := NewPublicSuffixIndex(strings.NewReader("*.ck\n!www.ck\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Too few non-empty lines to trust as a real PSL snapshot: falls back to
	// the built-in rules, so the custom wildcard rule never takes effect.
	if got := idx.Registrable("www.example.com"); got != "example.com" {
		t.Errorf("got %q, want fallback rules to resolve example.com", got)
	}
}

// padToMinLines pads rules with enough comment lines to clear
// minSuffixListLines, so tests can exercise the parser without also
// exercising the too-small-file fallback gate.
func padToMinLines(rules string) string {
	var b strings.Builder
	for i := 0; i < minSuffixListLines; i++ {
		b.WriteString("// padding\n")
	}
	b.WriteString(rules)
	return b.String()
}
