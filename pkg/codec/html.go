package codec

import (
	"regexp"
	"strings"

	"github.com/k3a/html2text"
)

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	listRe   = regexp.MustCompile(`(?i)<li[^>]*>`)
)

// HTMLToText converts HTML content to plain text. It strips script/style
// blocks, turns list items into bullets, decodes entities and collapses
// runs of blank lines. It is total: malformed markup degrades to best-effort
// output and never produces an error.
func HTMLToText(htmlContent string) string {
	if htmlContent == "" {
		return ""
	}

	// html2text keeps script/style payloads, so drop them first. List items
	// become bullets before tag stripping flattens them.
	cleaned := scriptRe.ReplaceAllString(htmlContent, "")
	cleaned = styleRe.ReplaceAllString(cleaned, "")
	cleaned = listRe.ReplaceAllString(cleaned, "<li>- ")

	text := html2text.HTML2Text(cleaned)

	return cleanupWhitespace(text)
}

// cleanupWhitespace trims trailing whitespace per line and allows at most
// one blank line between paragraphs (3+ consecutive newlines collapse to 2).
func cleanupWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	var result []string
	blankCount := 0

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blankCount++
			if blankCount <= 1 {
				result = append(result, "")
			}
		} else {
			blankCount = 0
			result = append(result, line)
		}
	}

	return strings.TrimSpace(strings.Join(result, "\n"))
}
