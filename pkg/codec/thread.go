package codec

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

var (
	replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|fw|aw|sv|vs)\s*:\s*`)
	bracketTagRe  = regexp.MustCompile(`\[[^\]]*\]`)
	spaceRunRe    = regexp.MustCompile(`\s+`)
)

// ExtractThreadID derives a stable thread identifier. When the References
// header chain is present its first entry is authoritative. Otherwise the
// subject is normalized (reply/forward prefixes and bracketed tags stripped,
// lowercased) and hashed.
//
// Subject-based threading is a heuristic: two unrelated messages with the
// same stripped subject land in the same thread.
func ExtractThreadID(subject string, references []string) string {
	for _, ref := range references {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			return ref
		}
	}

	normalized := NormalizeSubject(subject)
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("thread-%016x", h.Sum64())
}

// NormalizeSubject strips reply/forward prefixes (repeatedly, so
// "Re: Fwd: x" reduces to "x"), bracketed list tags, and case.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	s = bracketTagRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}
