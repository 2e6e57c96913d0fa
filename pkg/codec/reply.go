package codec

import (
	"fmt"
	"html"
	"strings"
)

const forwardBanner = "---------- Forwarded message ----------"

// FormatReply renders reply text in both plain and HTML form, quoting the
// original under the conventional "On <date>, <name> wrote:" banner.
func FormatReply(original *Message, replyText string) (text, htmlBody string) {
	attribution := fmt.Sprintf("On %s, %s wrote:",
		original.Date.Format("Mon, Jan 2, 2006 at 3:04 PM"),
		displayName(original.From))

	var tb strings.Builder
	tb.WriteString(replyText)
	tb.WriteString("\n\n")
	tb.WriteString(attribution)
	tb.WriteString("\n")
	for _, line := range strings.Split(originalText(original), "\n") {
		tb.WriteString("> ")
		tb.WriteString(line)
		tb.WriteString("\n")
	}

	var hb strings.Builder
	hb.WriteString("<div>")
	hb.WriteString(textToHTML(replyText))
	hb.WriteString("</div><br><div class=\"quote\">")
	hb.WriteString(html.EscapeString(attribution))
	hb.WriteString("<blockquote style=\"margin:0 0 0 .8ex;border-left:1px solid #ccc;padding-left:1ex\">")
	hb.WriteString(originalHTML(original))
	hb.WriteString("</blockquote></div>")

	return strings.TrimRight(tb.String(), "\n"), hb.String()
}

// FormatForward renders forward text in both plain and HTML form with the
// conventional forwarded-message banner and original headers.
func FormatForward(original *Message, forwardText string) (text, htmlBody string) {
	headerLines := []string{
		forwardBanner,
		"From: " + FormatAddress(original.From),
		"Date: " + original.Date.Format("Mon, Jan 2, 2006 at 3:04 PM"),
		"Subject: " + original.Subject,
		"To: " + FormatAddresses(original.To),
	}

	var tb strings.Builder
	if forwardText != "" {
		tb.WriteString(forwardText)
		tb.WriteString("\n\n")
	}
	tb.WriteString(strings.Join(headerLines, "\n"))
	tb.WriteString("\n\n")
	tb.WriteString(originalText(original))

	var hb strings.Builder
	hb.WriteString("<div>")
	if forwardText != "" {
		hb.WriteString(textToHTML(forwardText))
		hb.WriteString("<br><br>")
	}
	for _, line := range headerLines {
		hb.WriteString(html.EscapeString(line))
		hb.WriteString("<br>")
	}
	hb.WriteString("<br>")
	hb.WriteString(originalHTML(original))
	hb.WriteString("</div>")

	return tb.String(), hb.String()
}

func originalText(m *Message) string {
	if m.Body.Text != "" {
		return m.Body.Text
	}
	return HTMLToText(m.Body.HTML)
}

func originalHTML(m *Message) string {
	if m.Body.HTML != "" {
		return m.Body.HTML
	}
	return textToHTML(m.Body.Text)
}

func textToHTML(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

func displayName(a EmailAddress) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}
