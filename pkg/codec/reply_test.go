package codec

import (
	"strings"
	"testing"
	"time"
)

func originalMessage() *Message {
	return &Message{
		ID:      "msg-1",
		Subject: "Lunch plans",
		From:    EmailAddress{Email: "bob@example.com", Name: "Bob"},
		To:      []EmailAddress{{Email: "alice@example.com", Name: "Alice"}},
		Date:    time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		Body:    Body{Text: "Shall we meet Tuesday?\nAnywhere works."},
	}
}

func TestFormatReply(t *testing.T) {
	text, html := FormatReply(originalMessage(), "Tuesday works for me.")

	if !strings.HasPrefix(text, "Tuesday works for me.") {
		t.Errorf("reply text does not lead with new content: %q", text)
	}
	if !strings.Contains(text, "On Mon, Jan 5, 2026 at 9:00 AM, Bob wrote:") {
		t.Errorf("attribution line missing: %q", text)
	}
	if !strings.Contains(text, "> Shall we meet Tuesday?") {
		t.Errorf("original not quoted: %q", text)
	}
	if !strings.Contains(text, "> Anywhere works.") {
		t.Errorf("quoting must cover every original line: %q", text)
	}
	if !strings.Contains(html, "<blockquote") {
		t.Errorf("html rendition missing blockquote: %q", html)
	}
}

func TestFormatReplyFallsBackToEmail(t *testing.T) {
	orig := originalMessage()
	orig.From.Name = ""
	text, _ := FormatReply(orig, "ok")
	if !strings.Contains(text, "bob@example.com wrote:") {
		t.Errorf("expected email fallback in attribution: %q", text)
	}
}

func TestFormatForward(t *testing.T) {
	text, html := FormatForward(originalMessage(), "FYI")

	for _, want := range []string{
		"---------- Forwarded message ----------",
		"From: Bob <bob@example.com>",
		"Subject: Lunch plans",
		"To: Alice <alice@example.com>",
		"Shall we meet Tuesday?",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("forward text missing %q:\n%s", want, text)
		}
	}
	if !strings.HasPrefix(text, "FYI") {
		t.Errorf("forward text does not lead with new content: %q", text)
	}
	if !strings.Contains(html, "Forwarded message") {
		t.Errorf("html rendition missing banner: %q", html)
	}
}

func TestFormatReplyEscapesHTML(t *testing.T) {
	_, html := FormatReply(originalMessage(), "see <b>this</b> & that")
	if strings.Contains(html, "<b>this</b>") {
		t.Errorf("reply text not escaped in html rendition: %q", html)
	}
}
