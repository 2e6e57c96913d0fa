package codec

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantEmail string
		wantName  string
	}{
		{"name and address", "John Doe <john@example.com>", "john@example.com", "John Doe"},
		{"bare address", "jane@example.com", "jane@example.com", ""},
		{"quoted name", `"Doe, John" <john@example.com>`, "john@example.com", "Doe, John"},
		{"uppercase is lowered", "JOHN@EXAMPLE.COM", "john@example.com", ""},
		{"unquoted comma name", "Doe, John <john@example.com>", "john@example.com", "Doe, John"},
		{"garbage", "not an address", SentinelEmail, ""},
		{"empty", "", SentinelEmail, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAddress(tt.input)
			if got.Email != tt.wantEmail {
				t.Errorf("email = %q, want %q", got.Email, tt.wantEmail)
			}
			if got.Name != tt.wantName {
				t.Errorf("name = %q, want %q", got.Name, tt.wantName)
			}
		})
	}
}

// Parsing the formatted form of a parsed address must reproduce it.
func TestParseAddressIdempotent(t *testing.T) {
	inputs := []string{
		"John Doe <john@example.com>",
		"jane@example.com",
		"Support <support@widgets.co.uk>",
		"no-reply@system.internal.example.org",
	}

	for _, input := range inputs {
		first := ParseAddress(input)
		second := ParseAddress(FormatAddress(first))
		if first != second {
			t.Errorf("parse(format(parse(%q))) = %+v, want %+v", input, second, first)
		}
	}
}

func TestParseAddresses(t *testing.T) {
	got := ParseAddresses("a@example.com, Bob <b@example.com>; c@example.com")
	if len(got) != 3 {
		t.Fatalf("expected 3 addresses, got %d: %+v", len(got), got)
	}
	if got[0].Email != "a@example.com" {
		t.Errorf("first = %q", got[0].Email)
	}
	if got[1].Email != "b@example.com" || got[1].Name != "Bob" {
		t.Errorf("second = %+v", got[1])
	}
	if got[2].Email != "c@example.com" {
		t.Errorf("third = %q", got[2].Email)
	}
}

func TestParseAddressesEmpty(t *testing.T) {
	if got := ParseAddresses(""); got != nil {
		t.Errorf("expected nil for empty input, got %+v", got)
	}
}

func TestParseAddressesBadEntrySurvives(t *testing.T) {
	got := ParseAddresses("good@example.com, <<<broken")
	if len(got) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(got))
	}
	if got[0].Email != "good@example.com" {
		t.Errorf("first = %q", got[0].Email)
	}
	if got[1].Email != SentinelEmail {
		t.Errorf("second = %q, want sentinel", got[1].Email)
	}
}
