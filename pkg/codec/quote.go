package codec

import (
	"regexp"
	"strings"
)

// Split markers, in priority order. The first marker that matches wins.
var signatureMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^--\s*$`),
	regexp.MustCompile(`(?im)^(best regards|kind regards|regards|sincerely|cheers|thanks|thank you|best),?\s*$`),
	regexp.MustCompile(`(?im)^sent from my (iphone|ipad|android|galaxy|mobile)`),
	regexp.MustCompile(`(?im)^get outlook for (ios|android)`),
}

var quoteMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^On .{1,200} wrote:\s*$`),
	regexp.MustCompile(`(?m)^-{3,}\s*Original Message\s*-{3,}`),
	regexp.MustCompile(`(?m)^-{3,}\s*Forwarded message\s*-{3,}`),
	regexp.MustCompile(`(?m)^From: .+$\n^(Sent|Date): .+$`),
	regexp.MustCompile(`(?m)^>`),
}

// ExtractSignature splits body into content and trailing signature. The
// signature is detected by the first matching marker; with no marker the
// whole body is returned as content.
func ExtractSignature(body string) (content, signature string) {
	return splitAtFirstMarker(body, signatureMarkers)
}

// ExtractQuotedText splits body into new content and quoted original text.
func ExtractQuotedText(body string) (content, quoted string) {
	return splitAtFirstMarker(body, quoteMarkers)
}

func splitAtFirstMarker(body string, markers []*regexp.Regexp) (string, string) {
	for _, marker := range markers {
		loc := marker.FindStringIndex(body)
		if loc == nil {
			continue
		}
		head := strings.TrimRight(body[:loc[0]], "\n ")
		tail := strings.TrimSpace(body[loc[0]:])
		if head == "" {
			// Marker at the very top means there is no own content to keep;
			// treat the whole body as content instead of losing it.
			continue
		}
		return head, tail
	}
	return body, ""
}
