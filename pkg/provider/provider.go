// Package provider exposes three email backends behind one interface:
// Gmail (OAuth, label semantics), Outlook (OAuth, folder semantics) and
// generic IMAP/SMTP. The variant is selected at construction time by the
// factory; each implements the full contract independently and shares only
// the codec.
package provider

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/unimail/unimail/pkg/codec"
)

// Kind identifies a provider variant.
type Kind string

const (
	KindGmail   Kind = "gmail"
	KindOutlook Kind = "outlook"
	KindIMAP    Kind = "imap"
)

// AuthResult is the outcome of Authenticate. Expected rejections (wrong
// password, revoked consent) come back as a result with OK=false, not as an
// error: NeedsReauth distinguishes "prompt the user again" from "transient,
// try later".
type AuthResult struct {
	OK          bool
	Email       string
	Token       *oauth2.Token
	Reason      string
	NeedsReauth bool
}

// FetchOptions narrows a FetchEmails call. Zero values mean "no filter";
// an empty Folder means INBOX.
type FetchOptions struct {
	Folder          string
	Limit           int
	Since           time.Time
	Until           time.Time
	From            string
	SubjectContains string
	UnreadOnly      bool
}

// Folder is a mailbox or label with its message counts when known.
type Folder struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MessageCount uint32 `json:"message_count"`
	UnreadCount  uint32 `json:"unread_count"`
}

// Info describes a constructed provider instance.
type Info struct {
	Kind         Kind   `json:"kind"`
	AccountEmail string `json:"account_email"`
	SupportsPush bool   `json:"supports_push"`
}

// Quota reports backend storage usage for providers that expose it.
type Quota struct {
	UsedBytes  int64 `json:"used_bytes"`
	TotalBytes int64 `json:"total_bytes"`
}

// WebhookSubscription is a live push registration. Renewal before ExpiresAt
// is the caller's job.
type WebhookSubscription struct {
	ID          string    `json:"id"`
	Provider    Kind      `json:"provider"`
	Resource    string    `json:"resource"`
	ExpiresAt   time.Time `json:"expires_at"`
	ClientState string    `json:"client_state,omitempty"`
}

// Provider is the backend-independent transport contract. Message ids are
// backend-native and opaque; callers must not compare them across providers.
type Provider interface {
	Authenticate(ctx context.Context) (*AuthResult, error)
	RefreshAuth(ctx context.Context) error
	ValidateConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error

	FetchEmails(ctx context.Context, opts FetchOptions) ([]*codec.Message, error)
	GetEmail(ctx context.Context, id string) (*codec.Message, error)
	SendEmail(ctx context.Context, msg *codec.OutgoingMessage) (*codec.SentMessage, error)
	SearchEmails(ctx context.Context, query string, limit int) ([]*codec.Message, error)

	GetFolders(ctx context.Context) ([]Folder, error)
	MoveEmail(ctx context.Context, id, folder string) error
	MarkAsRead(ctx context.Context, id string) error
	MarkAsUnread(ctx context.Context, id string) error
	DeleteEmail(ctx context.Context, id string) error
	StarEmail(ctx context.Context, id string) error
	UnstarEmail(ctx context.Context, id string) error

	ProviderInfo() Info
}

// WebhookProvider is implemented by providers that support push
// notifications. Callers type-assert to upgrade.
type WebhookProvider interface {
	SetupWebhook(ctx context.Context, notificationURL string) (*WebhookSubscription, error)
	RemoveWebhook(ctx context.Context, subscriptionID string) error
}

// QuotaProvider is implemented by providers that expose storage quota.
type QuotaProvider interface {
	GetQuota(ctx context.Context) (*Quota, error)
}
