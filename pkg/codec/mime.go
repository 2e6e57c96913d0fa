package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateMimeMessage serializes an outgoing message to RFC-2822-style wire
// bytes: multipart/alternative for text+HTML, wrapped in multipart/mixed
// when attachments are present. Non-ASCII text is quoted-printable encoded,
// attachments are base64 in 76-column lines, and non-ASCII header values use
// RFC 2047 encoded words.
func CreateMimeMessage(msg OutgoingMessage) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("outgoing message has no recipients")
	}

	var buf bytes.Buffer

	writeHeader(&buf, "From", formatAddressHeader(msg.From))
	writeHeader(&buf, "To", formatAddressListHeader(msg.To))
	if len(msg.CC) > 0 {
		writeHeader(&buf, "Cc", formatAddressListHeader(msg.CC))
	}
	if msg.ReplyTo != nil {
		writeHeader(&buf, "Reply-To", formatAddressHeader(*msg.ReplyTo))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@unimail>", uuid.NewString()))
	writeHeader(&buf, "MIME-Version", "1.0")

	if msg.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", msg.InReplyTo)
		refs := msg.References
		if !containsString(refs, msg.InReplyTo) {
			refs = append(refs, msg.InReplyTo)
		}
		writeHeader(&buf, "References", strings.Join(refs, " "))
	} else if len(msg.References) > 0 {
		writeHeader(&buf, "References", strings.Join(msg.References, " "))
	}

	if len(msg.Attachments) > 0 {
		mixedBoundary := newBoundary("mixed")
		writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixedBoundary))
		buf.WriteString("\r\n")

		fmt.Fprintf(&buf, "--%s\r\n", mixedBoundary)
		writeBodyPart(&buf, msg)
		buf.WriteString("\r\n")

		for _, att := range msg.Attachments {
			fmt.Fprintf(&buf, "--%s\r\n", mixedBoundary)
			writeAttachmentPart(&buf, att)
		}
		fmt.Fprintf(&buf, "--%s--\r\n", mixedBoundary)
	} else {
		writeBodyPart(&buf, msg)
	}

	return buf.Bytes(), nil
}

// writeBodyPart emits the text/HTML body: a bare text part when there is no
// HTML, otherwise a multipart/alternative with text first.
func writeBodyPart(buf *bytes.Buffer, msg OutgoingMessage) {
	if msg.HTML == "" {
		writeTextPart(buf, "text/plain", msg.Text)
		return
	}

	altBoundary := newBoundary("alt")
	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altBoundary))
	buf.WriteString("\r\n")

	fmt.Fprintf(buf, "--%s\r\n", altBoundary)
	writeTextPart(buf, "text/plain", msg.Text)
	fmt.Fprintf(buf, "\r\n--%s\r\n", altBoundary)
	writeTextPart(buf, "text/html", msg.HTML)
	fmt.Fprintf(buf, "\r\n--%s--\r\n", altBoundary)
}

func writeTextPart(buf *bytes.Buffer, contentType, body string) {
	writeHeader(buf, "Content-Type", contentType+"; charset=UTF-8")
	if isASCII(body) {
		writeHeader(buf, "Content-Transfer-Encoding", "7bit")
		buf.WriteString("\r\n")
		buf.WriteString(body)
	} else {
		writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		qp := quotedprintable.NewWriter(buf)
		qp.Write([]byte(body))
		qp.Close()
	}
}

func writeAttachmentPart(buf *bytes.Buffer, att Attachment) {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	encodedName := mime.QEncoding.Encode("utf-8", att.Filename)
	writeHeader(buf, "Content-Type", fmt.Sprintf("%s; name=%q", contentType, encodedName))
	writeHeader(buf, "Content-Transfer-Encoding", "base64")
	if att.ContentID != "" {
		writeHeader(buf, "Content-ID", "<"+att.ContentID+">")
		writeHeader(buf, "Content-Disposition", fmt.Sprintf("inline; filename=%q", encodedName))
	} else {
		writeHeader(buf, "Content-Disposition", fmt.Sprintf("attachment; filename=%q", encodedName))
	}
	buf.WriteString("\r\n")
	writeBase64Lines(buf, att.Content)
}

// writeBase64Lines encodes data in 76-column base64 lines per RFC 2045.
func writeBase64Lines(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}

func formatAddressHeader(a EmailAddress) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", a.Name), a.Email)
	}
	return a.Email
}

func formatAddressListHeader(addrs []EmailAddress) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = formatAddressHeader(a)
	}
	return strings.Join(parts, ", ")
}

func newBoundary(kind string) string {
	return fmt.Sprintf("%s_%s", kind, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func containsString(slice []string, value string) bool {
	for _, s := range slice {
		if s == value {
			return true
		}
	}
	return false
}
