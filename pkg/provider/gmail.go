package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/unimail/unimail/pkg/codec"
)

const (
	gmailAPIBase   = "https://gmail.googleapis.com/gmail/v1"
	driveAboutURL  = "https://www.googleapis.com/drive/v3/about?fields=storageQuota"
	gmailBatchSize = 10
)

var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.labels",
}

// GmailConfig holds OAuth client settings for the Gmail provider.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// ProjectID is the Google Cloud project carrying the Pub/Sub topic for
	// push notifications.
	ProjectID string
	// AuthCode, when set, is exchanged on Authenticate; otherwise Token is
	// the stored session.
	AuthCode string
	Token    *oauth2.Token
}

// GmailProvider talks to the Gmail REST API. Folders are labels; "move" is a
// label swap, not a true move.
type GmailProvider struct {
	tokens    *tokenManager
	cb        *gobreaker.CircuitBreaker
	client    *http.Client
	apiBase   string
	topicName string
	authCode  string
	log       zerolog.Logger

	mu    sync.Mutex
	email string
}

// NewGmailProvider builds a Gmail provider; no network is touched until
// Authenticate.
func NewGmailProvider(cfg *GmailConfig, logger zerolog.Logger) *GmailProvider {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       gmailScopes,
		Endpoint:     google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:     "gmail-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &GmailProvider{
		tokens:    newTokenManager(oc, cfg.Token),
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
		client:    &http.Client{Timeout: 30 * time.Second},
		apiBase:   gmailAPIBase,
		topicName: fmt.Sprintf("projects/%s/topics/gmail-push", cfg.ProjectID),
		authCode:  cfg.AuthCode,
		log:       logger,
	}
}

// AuthURL returns the consent URL to start the authorization-code flow.
func (g *GmailProvider) AuthURL(state string) string {
	return g.tokens.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (g *GmailProvider) ProviderInfo() Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Info{Kind: KindGmail, AccountEmail: g.email, SupportsPush: true}
}

// Authenticate exchanges the auth code (or validates the stored token) and
// resolves the account email from the profile endpoint. Expected rejections
// come back as a result, not an error.
func (g *GmailProvider) Authenticate(ctx context.Context) (*AuthResult, error) {
	if g.authCode != "" {
		if _, err := g.tokens.Exchange(ctx, g.authCode); err != nil {
			return &AuthResult{OK: false, Reason: "authorization code rejected", NeedsReauth: true}, nil
		}
		g.authCode = ""
	}
	if g.tokens.Current() == nil {
		return &AuthResult{OK: false, Reason: "no stored token", NeedsReauth: true}, nil
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := g.get(ctx, "/users/me/profile", &profile); err != nil {
		if KindOf(err) == ErrAuth {
			return &AuthResult{OK: false, Reason: "token expired or revoked", NeedsReauth: true}, nil
		}
		return nil, err
	}

	g.mu.Lock()
	g.email = strings.ToLower(profile.EmailAddress)
	g.mu.Unlock()

	return &AuthResult{OK: true, Email: strings.ToLower(profile.EmailAddress), Token: g.tokens.Current()}, nil
}

func (g *GmailProvider) RefreshAuth(ctx context.Context) error {
	if _, err := g.tokens.Refresh(ctx); err != nil {
		return authErr("gmail", "token refresh failed", err)
	}
	return nil
}

func (g *GmailProvider) ValidateConnection(ctx context.Context) error {
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	return g.get(ctx, "/users/me/profile", &profile)
}

// Disconnect discards the session. The token itself is not revoked; revoking
// a shared refresh token would break other devices on the same account.
func (g *GmailProvider) Disconnect(ctx context.Context) error {
	g.tokens.mu.Lock()
	g.tokens.token = nil
	g.tokens.mu.Unlock()
	return nil
}

// FetchEmails lists message ids then fetches details in fixed-size batches:
// concurrent within a batch, batches sequential, to stay under rate quotas.
func (g *GmailProvider) FetchEmails(ctx context.Context, opts FetchOptions) ([]*codec.Message, error) {
	ids, err := g.listMessageIDs(ctx, gmailQuery(opts), opts.Folder, opts.Limit)
	if err != nil {
		return nil, err
	}
	return g.fetchBatched(ctx, ids)
}

func (g *GmailProvider) SearchEmails(ctx context.Context, query string, limit int) ([]*codec.Message, error) {
	ids, err := g.listMessageIDs(ctx, query, "", limit)
	if err != nil {
		return nil, err
	}
	return g.fetchBatched(ctx, ids)
}

func (g *GmailProvider) GetEmail(ctx context.Context, id string) (*codec.Message, error) {
	var raw gmailMessage
	if err := g.get(ctx, "/users/me/messages/"+url.PathEscape(id)+"?format=full", &raw); err != nil {
		return nil, err
	}
	return raw.toMessage(), nil
}

// SendEmail builds the MIME wire form with the codec and submits it through
// messages.send.
func (g *GmailProvider) SendEmail(ctx context.Context, msg *codec.OutgoingMessage) (*codec.SentMessage, error) {
	wire, err := codec.CreateMimeMessage(*msg)
	if err != nil {
		return nil, NewError("gmail", ErrMalformed, "could not build message", err, false)
	}

	body := map[string]string{"raw": base64.URLEncoding.EncodeToString(wire)}
	var sent struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := g.post(ctx, "/users/me/messages/send", body, &sent); err != nil {
		return nil, err
	}
	return &codec.SentMessage{ID: sent.ID, ThreadID: sent.ThreadID, SentAt: time.Now()}, nil
}

func (g *GmailProvider) GetFolders(ctx context.Context) ([]Folder, error) {
	var resp struct {
		Labels []struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			MessagesTotal  uint32 `json:"messagesTotal"`
			MessagesUnread uint32 `json:"messagesUnread"`
		} `json:"labels"`
	}
	if err := g.get(ctx, "/users/me/labels", &resp); err != nil {
		return nil, err
	}

	folders := make([]Folder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		folders = append(folders, Folder{
			ID:           l.ID,
			Name:         l.Name,
			MessageCount: l.MessagesTotal,
			UnreadCount:  l.MessagesUnread,
		})
	}
	return folders, nil
}

// MoveEmail swaps labels: the target label replaces INBOX. Gmail has no true
// move.
func (g *GmailProvider) MoveEmail(ctx context.Context, id, folder string) error {
	return g.modifyLabels(ctx, id, []string{folder}, []string{"INBOX"})
}

func (g *GmailProvider) MarkAsRead(ctx context.Context, id string) error {
	return g.modifyLabels(ctx, id, nil, []string{"UNREAD"})
}

func (g *GmailProvider) MarkAsUnread(ctx context.Context, id string) error {
	return g.modifyLabels(ctx, id, []string{"UNREAD"}, nil)
}

func (g *GmailProvider) StarEmail(ctx context.Context, id string) error {
	return g.modifyLabels(ctx, id, []string{"STARRED"}, nil)
}

func (g *GmailProvider) UnstarEmail(ctx context.Context, id string) error {
	return g.modifyLabels(ctx, id, nil, []string{"STARRED"})
}

func (g *GmailProvider) DeleteEmail(ctx context.Context, id string) error {
	return g.post(ctx, "/users/me/messages/"+url.PathEscape(id)+"/trash", nil, nil)
}

// SetupWebhook registers a Pub/Sub watch on the inbox.
func (g *GmailProvider) SetupWebhook(ctx context.Context, notificationURL string) (*WebhookSubscription, error) {
	body := map[string]any{
		"topicName": g.topicName,
		"labelIds":  []string{"INBOX"},
	}
	var resp struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"`
	}
	if err := g.post(ctx, "/users/me/watch", body, &resp); err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(7 * 24 * time.Hour)
	if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil {
		expiresAt = time.UnixMilli(ms)
	}
	return &WebhookSubscription{
		ID:        resp.HistoryID,
		Provider:  KindGmail,
		Resource:  g.ProviderInfo().AccountEmail,
		ExpiresAt: expiresAt,
	}, nil
}

func (g *GmailProvider) RemoveWebhook(ctx context.Context, subscriptionID string) error {
	return g.post(ctx, "/users/me/stop", nil, nil)
}

// GetQuota reads account storage from the Drive about endpoint; Google
// storage is shared across Gmail and Drive.
func (g *GmailProvider) GetQuota(ctx context.Context) (*Quota, error) {
	var resp struct {
		StorageQuota struct {
			Usage string `json:"usage"`
			Limit string `json:"limit"`
		} `json:"storageQuota"`
	}
	if err := g.getURL(ctx, driveAboutURL, &resp); err != nil {
		return nil, err
	}
	used, _ := strconv.ParseInt(resp.StorageQuota.Usage, 10, 64)
	total, _ := strconv.ParseInt(resp.StorageQuota.Limit, 10, 64)
	return &Quota{UsedBytes: used, TotalBytes: total}, nil
}

// --- REST plumbing ---

func (g *GmailProvider) listMessageIDs(ctx context.Context, query, labelID string, limit int) ([]string, error) {
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	if labelID != "" {
		params.Set("labelIds", labelID)
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	params.Set("maxResults", strconv.Itoa(limit))

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := g.get(ctx, "/users/me/messages?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// fetchBatched fetches message details in batches of gmailBatchSize:
// a semaphore bounds concurrency inside a batch, batches run sequentially.
func (g *GmailProvider) fetchBatched(ctx context.Context, ids []string) ([]*codec.Message, error) {
	messages := make([]*codec.Message, len(ids))
	var firstErr error
	var errMu sync.Mutex

	for start := 0; start < len(ids); start += gmailBatchSize {
		end := start + gmailBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg, err := g.GetEmail(ctx, ids[i])
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					return
				}
				messages[i] = msg
			}(i)
		}
		wg.Wait()

		if firstErr != nil {
			return nil, firstErr
		}
	}

	result := messages[:0]
	for _, m := range messages {
		if m != nil {
			result = append(result, m)
		}
	}
	// The list endpoint's order is not guaranteed to be by date.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date.After(result[j].Date)
	})
	return result, nil
}

func (g *GmailProvider) modifyLabels(ctx context.Context, id string, add, remove []string) error {
	body := map[string]any{}
	if len(add) > 0 {
		body["addLabelIds"] = add
	}
	if len(remove) > 0 {
		body["removeLabelIds"] = remove
	}
	return g.post(ctx, "/users/me/messages/"+url.PathEscape(id)+"/modify", body, nil)
}

func (g *GmailProvider) get(ctx context.Context, path string, result any) error {
	return g.getURL(ctx, g.apiBase+path, result)
}

func (g *GmailProvider) getURL(ctx context.Context, u string, result any) error {
	return g.do(ctx, http.MethodGet, u, nil, result)
}

func (g *GmailProvider) post(ctx context.Context, path string, body, result any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(b)
	}
	return g.do(ctx, http.MethodPost, g.apiBase+path, payload, result)
}

// do runs one API call through the circuit breaker with a fresh bearer
// token.
func (g *GmailProvider) do(ctx context.Context, method, u string, body io.Reader, result any) error {
	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return authErr("gmail", "no valid access token", err)
	}

	_, err = g.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, connErr("gmail", "invalid request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, connErr("gmail", "request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			var apiErr struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			json.Unmarshal(raw, &apiErr)
			msg := apiErr.Error.Message
			if msg == "" {
				msg = resp.Status
			}
			return nil, errFromStatus("gmail", resp.StatusCode, msg)
		}

		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return nil, connErr("gmail", "failed to decode response", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		g.log.Debug().Str("method", method).Str("url", u).Err(err).Msg("gmail API call failed")
	}
	return err
}

// gmailQuery renders fetch options into the Gmail search syntax.
func gmailQuery(opts FetchOptions) string {
	var parts []string
	if !opts.Since.IsZero() {
		parts = append(parts, "after:"+opts.Since.Format("2006/01/02"))
	}
	if !opts.Until.IsZero() {
		parts = append(parts, "before:"+opts.Until.AddDate(0, 0, 1).Format("2006/01/02"))
	}
	if opts.From != "" {
		parts = append(parts, "from:"+opts.From)
	}
	if opts.SubjectContains != "" {
		parts = append(parts, "subject:"+opts.SubjectContains)
	}
	if opts.UnreadOnly {
		parts = append(parts, "is:unread")
	}
	return strings.Join(parts, " ")
}

// --- wire shapes ---

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailPart struct {
	MimeType string        `json:"mimeType"`
	Filename string        `json:"filename"`
	Headers  []gmailHeader `json:"headers"`
	Body     struct {
		AttachmentID string `json:"attachmentId"`
		Size         int64  `json:"size"`
		Data         string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

type gmailMessage struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	LabelIDs     []string  `json:"labelIds"`
	InternalDate string    `json:"internalDate"`
	Payload      gmailPart `json:"payload"`
}

func (p *gmailPart) header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// toMessage normalizes the Gmail payload tree into the canonical shape.
func (m *gmailMessage) toMessage() *codec.Message {
	msg := &codec.Message{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		Subject:        m.Payload.header("Subject"),
		From:           codec.ParseAddress(m.Payload.header("From")),
		To:             codec.ParseAddresses(m.Payload.header("To")),
		CC:             codec.ParseAddresses(m.Payload.header("Cc")),
		ProviderLabels: m.LabelIDs,
	}

	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil {
		msg.Date = time.UnixMilli(ms)
	} else if d, err := time.Parse(time.RFC1123Z, m.Payload.header("Date")); err == nil {
		msg.Date = d
	}

	for _, label := range m.LabelIDs {
		switch label {
		case "UNREAD":
			// flipped below
		case "STARRED":
			msg.Flags.IsStarred = true
		case "DRAFT":
			msg.Flags.IsDraft = true
		case "IMPORTANT":
			msg.Flags.IsImportant = true
		case "SPAM":
			msg.Flags.IsSpam = true
		}
	}
	msg.Flags.IsRead = !containsString(m.LabelIDs, "UNREAD")

	walkGmailParts(&m.Payload, msg)

	if msg.Body.Text == "" && msg.Body.HTML != "" {
		msg.Body.Text = codec.HTMLToText(msg.Body.HTML)
	}
	return msg
}

func walkGmailParts(p *gmailPart, msg *codec.Message) {
	if p.Filename != "" {
		msg.Attachments = append(msg.Attachments, codec.Attachment{
			Filename:    p.Filename,
			ContentType: p.MimeType,
			SizeBytes:   p.Body.Size,
			ContentID:   strings.Trim(p.header("Content-ID"), "<>"),
		})
	} else if p.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(p.Body.Data)
		if err != nil {
			decoded, _ = base64.RawURLEncoding.DecodeString(p.Body.Data)
		}
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain") && msg.Body.Text == "":
			msg.Body.Text = string(decoded)
		case strings.HasPrefix(p.MimeType, "text/html") && msg.Body.HTML == "":
			msg.Body.HTML = string(decoded)
		}
	}
	for i := range p.Parts {
		walkGmailParts(&p.Parts[i], msg)
	}
}

func containsString(slice []string, value string) bool {
	for _, s := range slice {
		if s == value {
			return true
		}
	}
	return false
}
