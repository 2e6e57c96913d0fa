// Package codec normalizes backend-specific mail formats into one canonical
// message shape and serializes outgoing messages back into wire formats.
// Everything here is pure and synchronous; no network, no state.
package codec

import "time"

// SentinelEmail is substituted for any address that cannot be parsed.
// Malformed mail must never abort ingestion, so parsing is permissive.
const SentinelEmail = "unknown@unknown.com"

// EmailAddress is a parsed mailbox. Email is always lower-cased.
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Attachment describes a message attachment. Content is nil for listing
// operations and populated only when the caller fetched the bytes.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentID   string `json:"content_id,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// Body holds the message body. Text is always populated; when a message has
// no plain part it is derived from the HTML part.
type Body struct {
	Text string `json:"text"`
	HTML string `json:"html,omitempty"`
}

// Flags carries the per-message state bits common to all backends.
type Flags struct {
	IsRead      bool `json:"is_read"`
	IsStarred   bool `json:"is_starred"`
	IsDraft     bool `json:"is_draft"`
	IsImportant bool `json:"is_important"`
	IsSpam      bool `json:"is_spam"`
}

// Message is the canonical backend-independent record. ID is backend-native
// and opaque; callers must not compare ids across providers.
type Message struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	Subject        string         `json:"subject"`
	From           EmailAddress   `json:"from"`
	To             []EmailAddress `json:"to"`
	CC             []EmailAddress `json:"cc,omitempty"`
	BCC            []EmailAddress `json:"bcc,omitempty"`
	Date           time.Time      `json:"date"`
	Body           Body           `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Flags          Flags          `json:"flags"`
	ProviderLabels []string       `json:"provider_labels,omitempty"`
}

// OutgoingMessage is a message to be sent.
type OutgoingMessage struct {
	From        EmailAddress   `json:"from"`
	To          []EmailAddress `json:"to"`
	CC          []EmailAddress `json:"cc,omitempty"`
	BCC         []EmailAddress `json:"bcc,omitempty"`
	ReplyTo     *EmailAddress  `json:"reply_to,omitempty"`
	Subject     string         `json:"subject"`
	Text        string         `json:"text"`
	HTML        string         `json:"html,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	InReplyTo   string         `json:"in_reply_to,omitempty"`
	References  []string       `json:"references,omitempty"`
}

// SentMessage is the result of a successful send.
type SentMessage struct {
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}
