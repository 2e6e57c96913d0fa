package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseMimeMessage parses RFC-2822 wire bytes into a canonical Message using
// a streaming MIME reader. Malformed parts degrade to best-effort output
// instead of failing: an unreadable part is skipped, and input that is not
// MIME at all is kept verbatim as the text body. An error is returned only
// when the reader itself fails.
func ParseMimeMessage(r io.Reader) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Not parseable as MIME; keep the payload rather than dropping mail.
		return &Message{
			From: EmailAddress{Email: SentinelEmail},
			Body: Body{Text: string(raw)},
		}, nil
	}

	msg := &Message{}
	header := mr.Header

	msg.Subject, _ = header.Subject()
	msg.Date, _ = header.Date()
	if id, err := header.MessageID(); err == nil {
		msg.ID = id
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = EmailAddress{Email: strings.ToLower(from[0].Address), Name: from[0].Name}
	} else if raw := header.Get("From"); raw != "" {
		msg.From = ParseAddress(raw)
	} else {
		msg.From = EmailAddress{Email: SentinelEmail}
	}
	msg.To = parseHeaderAddresses(header, "To")
	msg.CC = parseHeaderAddresses(header, "Cc")
	msg.BCC = parseHeaderAddresses(header, "Bcc")

	var references []string
	if refs, err := header.MsgIDList("References"); err == nil {
		references = refs
	}
	msg.ThreadID = ExtractThreadID(msg.Subject, references)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Skip the bad part, keep whatever already parsed.
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			b, _ := io.ReadAll(p.Body)
			ct, _, _ := h.ContentType()
			switch {
			case strings.Contains(ct, "text/html"):
				msg.Body.HTML = string(b)
			case strings.Contains(ct, "text/plain"), ct == "":
				if msg.Body.Text == "" {
					msg.Body.Text = string(b)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			b, _ := io.ReadAll(p.Body)
			att := Attachment{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(b)),
				Content:     b,
			}
			if cid := h.Get("Content-Id"); cid != "" {
				att.ContentID = strings.Trim(cid, "<>")
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	// Downstream consumers never branch on format: text is always populated.
	if msg.Body.Text == "" && msg.Body.HTML != "" {
		msg.Body.Text = HTMLToText(msg.Body.HTML)
	}

	return msg, nil
}

func parseHeaderAddresses(header mail.Header, key string) []EmailAddress {
	if list, err := header.AddressList(key); err == nil && len(list) > 0 {
		out := make([]EmailAddress, 0, len(list))
		for _, a := range list {
			out = append(out, EmailAddress{Email: strings.ToLower(a.Address), Name: a.Name})
		}
		return out
	}
	if raw := header.Get(key); raw != "" {
		return ParseAddresses(raw)
	}
	return nil
}
