package codec

import (
	"fmt"
	"net/mail"
	"strings"
)

// ParseAddress parses a single address in "Name <addr>" or bare form.
// Unparsable input yields the sentinel address rather than an error.
func ParseAddress(raw string) EmailAddress {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EmailAddress{Email: SentinelEmail}
	}

	addr, err := mail.ParseAddress(raw)
	if err == nil {
		return EmailAddress{
			Email: strings.ToLower(addr.Address),
			Name:  strings.TrimSpace(addr.Name),
		}
	}

	// net/mail rejects some real-world senders (unquoted names with commas,
	// bare addresses with trailing junk). Salvage the angle-bracket part.
	if start := strings.LastIndex(raw, "<"); start >= 0 {
		if end := strings.Index(raw[start:], ">"); end > 1 {
			email := strings.TrimSpace(raw[start+1 : start+end])
			name := strings.Trim(strings.TrimSpace(raw[:start]), `"'`)
			if looksLikeEmail(email) {
				return EmailAddress{Email: strings.ToLower(email), Name: name}
			}
		}
	}

	if looksLikeEmail(raw) {
		return EmailAddress{Email: strings.ToLower(raw)}
	}

	return EmailAddress{Email: SentinelEmail}
}

// ParseAddresses parses a comma- or semicolon-delimited address list.
func ParseAddresses(raw string) []EmailAddress {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(raw); err == nil {
		out := make([]EmailAddress, 0, len(list))
		for _, a := range list {
			out = append(out, EmailAddress{
				Email: strings.ToLower(a.Address),
				Name:  strings.TrimSpace(a.Name),
			})
		}
		return out
	}

	// Fall back to a naive split so one bad entry does not drop the rest.
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	out := make([]EmailAddress, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, ParseAddress(p))
	}
	if len(out) == 0 {
		return []EmailAddress{{Email: SentinelEmail}}
	}
	return out
}

// FormatAddress renders an address back to "Name <addr>" or bare form.
func FormatAddress(a EmailAddress) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Email)
	}
	return a.Email
}

// FormatAddresses renders a comma-separated address list.
func FormatAddresses(addrs []EmailAddress) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = FormatAddress(a)
	}
	return strings.Join(parts, ", ")
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	if strings.ContainsAny(s, " \t<>") {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}
