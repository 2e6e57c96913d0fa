package codec

import (
	"strings"
	"testing"
)

func TestExtractThreadIDReferencesWin(t *testing.T) {
	got := ExtractThreadID("Re: anything", []string{"<abc@mail.example.com>", "<def@mail.example.com>"})
	if got != "<abc@mail.example.com>" {
		t.Errorf("expected first reference, got %q", got)
	}
}

func TestExtractThreadIDSubjectPrefixes(t *testing.T) {
	base := ExtractThreadID("Q3 Planning", nil)
	variants := []string{
		"Re: Q3 Planning",
		"Fwd: Q3 Planning",
		"RE: FWD: Q3 Planning",
		"re: q3 planning",
		"[list] Q3 Planning",
	}
	for _, v := range variants {
		if got := ExtractThreadID(v, nil); got != base {
			t.Errorf("ExtractThreadID(%q) = %q, want %q", v, got, base)
		}
	}
}

func TestExtractThreadIDDistinctSubjects(t *testing.T) {
	a := ExtractThreadID("Q3 Planning", nil)
	b := ExtractThreadID("Q4 Planning", nil)
	if a == b {
		t.Error("distinct subjects produced the same thread id")
	}
}

func TestExtractThreadIDStable(t *testing.T) {
	first := ExtractThreadID("Budget review", nil)
	if !strings.HasPrefix(first, "thread-") {
		t.Errorf("unexpected id shape: %q", first)
	}
	if second := ExtractThreadID("Budget review", nil); second != first {
		t.Errorf("id not stable: %q vs %q", second, first)
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Re: Hello", "hello"},
		{"Fwd: Fwd: Re: Hello", "hello"},
		{"[jira] [bug] Crash on start", "crash on start"},
		{"  Spaced   out  ", "spaced out"},
	}
	for _, tt := range tests {
		if got := NormalizeSubject(tt.input); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
