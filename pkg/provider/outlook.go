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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/unimail/unimail/pkg/codec"
)

const graphAPIBase = "https://graph.microsoft.com/v1.0"

var outlookScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/User.Read",
}

// OutlookConfig holds OAuth client settings for the Outlook provider.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Tenant is the Azure AD tenant; "common" for multi-tenant apps.
	Tenant   string
	AuthCode string
	Token    *oauth2.Token
}

// OutlookProvider talks to Microsoft Graph. Unlike Gmail, folders are real
// containers and move is a true move.
type OutlookProvider struct {
	tokens   *tokenManager
	client   *http.Client
	apiBase  string
	authCode string
	log      zerolog.Logger

	mu    sync.Mutex
	email string
}

// NewOutlookProvider builds an Outlook provider; no network until
// Authenticate.
func NewOutlookProvider(cfg *OutlookConfig, logger zerolog.Logger) *OutlookProvider {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       outlookScopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
	return &OutlookProvider{
		tokens:   newTokenManager(oc, cfg.Token),
		client:   &http.Client{Timeout: 30 * time.Second},
		apiBase:  graphAPIBase,
		authCode: cfg.AuthCode,
		log:      logger,
	}
}

// AuthURL returns the consent URL to start the authorization-code flow.
func (o *OutlookProvider) AuthURL(state string) string {
	return o.tokens.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (o *OutlookProvider) ProviderInfo() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Info{Kind: KindOutlook, AccountEmail: o.email, SupportsPush: true}
}

func (o *OutlookProvider) Authenticate(ctx context.Context) (*AuthResult, error) {
	if o.authCode != "" {
		if _, err := o.tokens.Exchange(ctx, o.authCode); err != nil {
			return &AuthResult{OK: false, Reason: "authorization code rejected", NeedsReauth: true}, nil
		}
		o.authCode = ""
	}
	if o.tokens.Current() == nil {
		return &AuthResult{OK: false, Reason: "no stored token", NeedsReauth: true}, nil
	}

	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := o.get(ctx, "/me", &me); err != nil {
		if KindOf(err) == ErrAuth {
			return &AuthResult{OK: false, Reason: "token expired or revoked", NeedsReauth: true}, nil
		}
		return nil, err
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	email = strings.ToLower(email)

	o.mu.Lock()
	o.email = email
	o.mu.Unlock()

	return &AuthResult{OK: true, Email: email, Token: o.tokens.Current()}, nil
}

func (o *OutlookProvider) RefreshAuth(ctx context.Context) error {
	if _, err := o.tokens.Refresh(ctx); err != nil {
		return authErr("outlook", "token refresh failed", err)
	}
	return nil
}

func (o *OutlookProvider) ValidateConnection(ctx context.Context) error {
	var me struct {
		ID string `json:"id"`
	}
	return o.get(ctx, "/me?$select=id", &me)
}

func (o *OutlookProvider) Disconnect(ctx context.Context) error {
	o.tokens.mu.Lock()
	o.tokens.token = nil
	o.tokens.mu.Unlock()
	return nil
}

// FetchEmails issues one paged query with a $filter built from the options.
// Graph returns full message bodies inline, so no per-message detail fetch
// is needed; attachments are listed through a secondary call only when the
// message says it has any.
func (o *OutlookProvider) FetchEmails(ctx context.Context, opts FetchOptions) ([]*codec.Message, error) {
	folder := opts.Folder
	if folder == "" {
		folder = "inbox"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("$top", strconv.Itoa(limit))
	filter := graphFilter(opts)
	if filter != "" {
		// Graph rejects most $filter + $orderby combinations as "too
		// complex", so filtered queries are sorted on our side instead.
		params.Set("$filter", filter)
	} else {
		params.Set("$orderby", "receivedDateTime desc")
	}

	path := fmt.Sprintf("/me/mailFolders/%s/messages?%s", url.PathEscape(folder), params.Encode())
	messages, err := o.collectMessages(ctx, path, limit)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		sort.Slice(messages, func(i, j int) bool {
			return messages[i].Date.After(messages[j].Date)
		})
	}
	return messages, nil
}

func (o *OutlookProvider) SearchEmails(ctx context.Context, query string, limit int) ([]*codec.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("$top", strconv.Itoa(limit))
	params.Set("$search", fmt.Sprintf("%q", query))
	return o.collectMessages(ctx, "/me/messages?"+params.Encode(), limit)
}

// collectMessages follows @odata.nextLink pages until limit is reached.
func (o *OutlookProvider) collectMessages(ctx context.Context, path string, limit int) ([]*codec.Message, error) {
	var messages []*codec.Message
	next := o.apiBase + path

	for next != "" && len(messages) < limit {
		var page struct {
			Value    []graphMessage `json:"value"`
			NextLink string         `json:"@odata.nextLink"`
		}
		if err := o.getURL(ctx, next, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			msg, err := o.normalize(ctx, &page.Value[i])
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
			if len(messages) == limit {
				break
			}
		}
		next = page.NextLink
	}
	return messages, nil
}

func (o *OutlookProvider) GetEmail(ctx context.Context, id string) (*codec.Message, error) {
	var raw graphMessage
	if err := o.get(ctx, "/me/messages/"+url.PathEscape(id), &raw); err != nil {
		return nil, err
	}
	return o.normalize(ctx, &raw)
}

// SendEmail creates a draft to obtain a backend id, then submits it.
func (o *OutlookProvider) SendEmail(ctx context.Context, msg *codec.OutgoingMessage) (*codec.SentMessage, error) {
	if len(msg.To) == 0 {
		return nil, NewError("outlook", ErrMalformed, "no recipients", nil, false)
	}

	var created struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
	}
	if err := o.request(ctx, http.MethodPost, "/me/messages", graphOutgoing(msg), &created); err != nil {
		return nil, err
	}
	if err := o.request(ctx, http.MethodPost, "/me/messages/"+url.PathEscape(created.ID)+"/send", nil, nil); err != nil {
		return nil, err
	}
	return &codec.SentMessage{ID: created.ID, ThreadID: created.ConversationID, SentAt: time.Now()}, nil
}

func (o *OutlookProvider) GetFolders(ctx context.Context) ([]Folder, error) {
	var resp struct {
		Value []struct {
			ID              string `json:"id"`
			DisplayName     string `json:"displayName"`
			TotalItemCount  uint32 `json:"totalItemCount"`
			UnreadItemCount uint32 `json:"unreadItemCount"`
		} `json:"value"`
	}
	if err := o.get(ctx, "/me/mailFolders?$top=100", &resp); err != nil {
		return nil, err
	}

	folders := make([]Folder, 0, len(resp.Value))
	for _, f := range resp.Value {
		folders = append(folders, Folder{
			ID:           f.ID,
			Name:         f.DisplayName,
			MessageCount: f.TotalItemCount,
			UnreadCount:  f.UnreadItemCount,
		})
	}
	return folders, nil
}

// MoveEmail is a true move: the message gets a new id in the target folder.
func (o *OutlookProvider) MoveEmail(ctx context.Context, id, folder string) error {
	body := map[string]string{"destinationId": folder}
	return o.request(ctx, http.MethodPost, "/me/messages/"+url.PathEscape(id)+"/move", body, nil)
}

func (o *OutlookProvider) MarkAsRead(ctx context.Context, id string) error {
	return o.patchMessage(ctx, id, map[string]any{"isRead": true})
}

func (o *OutlookProvider) MarkAsUnread(ctx context.Context, id string) error {
	return o.patchMessage(ctx, id, map[string]any{"isRead": false})
}

func (o *OutlookProvider) StarEmail(ctx context.Context, id string) error {
	return o.patchMessage(ctx, id, map[string]any{"flag": map[string]string{"flagStatus": "flagged"}})
}

func (o *OutlookProvider) UnstarEmail(ctx context.Context, id string) error {
	return o.patchMessage(ctx, id, map[string]any{"flag": map[string]string{"flagStatus": "notFlagged"}})
}

func (o *OutlookProvider) DeleteEmail(ctx context.Context, id string) error {
	return o.request(ctx, http.MethodDelete, "/me/messages/"+url.PathEscape(id), nil, nil)
}

// SetupWebhook creates a Graph change-notification subscription. The
// clientState secret is echoed back in every notification and checked by the
// webhook handler.
func (o *OutlookProvider) SetupWebhook(ctx context.Context, notificationURL string) (*WebhookSubscription, error) {
	clientState := uuid.NewString()
	body := map[string]any{
		"changeType":         "created,updated",
		"notificationUrl":    notificationURL,
		"resource":           "/me/mailFolders('inbox')/messages",
		"expirationDateTime": time.Now().Add(71 * time.Hour).UTC().Format(time.RFC3339),
		"clientState":        clientState,
	}

	var resp struct {
		ID                 string `json:"id"`
		Resource           string `json:"resource"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := o.request(ctx, http.MethodPost, "/subscriptions", body, &resp); err != nil {
		return nil, err
	}

	expiresAt, _ := time.Parse(time.RFC3339, resp.ExpirationDateTime)
	return &WebhookSubscription{
		ID:          resp.ID,
		Provider:    KindOutlook,
		Resource:    resp.Resource,
		ExpiresAt:   expiresAt,
		ClientState: clientState,
	}, nil
}

func (o *OutlookProvider) RemoveWebhook(ctx context.Context, subscriptionID string) error {
	return o.request(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil, nil)
}

// --- REST plumbing ---

func (o *OutlookProvider) patchMessage(ctx context.Context, id string, body any) error {
	return o.request(ctx, http.MethodPatch, "/me/messages/"+url.PathEscape(id), body, nil)
}

func (o *OutlookProvider) get(ctx context.Context, path string, result any) error {
	return o.getURL(ctx, o.apiBase+path, result)
}

func (o *OutlookProvider) getURL(ctx context.Context, u string, result any) error {
	return o.doURL(ctx, http.MethodGet, u, nil, result)
}

func (o *OutlookProvider) request(ctx context.Context, method, path string, body, result any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(b)
	}
	return o.doURL(ctx, method, o.apiBase+path, payload, result)
}

func (o *OutlookProvider) doURL(ctx context.Context, method, u string, body io.Reader, result any) error {
	token, err := o.tokens.AccessToken(ctx)
	if err != nil {
		return authErr("outlook", "no valid access token", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return connErr("outlook", "invalid request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return connErr("outlook", "request failed", err)
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
		err := errFromStatus("outlook", resp.StatusCode, msg)
		o.log.Debug().Str("method", method).Str("url", u).Err(err).Msg("graph API call failed")
		return err
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return connErr("outlook", "failed to decode response", err)
		}
	}
	return nil
}

// graphFilter renders fetch options into an OData $filter expression.
func graphFilter(opts FetchOptions) string {
	var clauses []string
	if !opts.Since.IsZero() {
		clauses = append(clauses, "receivedDateTime ge "+opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		clauses = append(clauses, "receivedDateTime le "+opts.Until.UTC().Format(time.RFC3339))
	}
	if opts.From != "" {
		clauses = append(clauses, fmt.Sprintf("from/emailAddress/address eq '%s'", opts.From))
	}
	if opts.SubjectContains != "" {
		clauses = append(clauses, fmt.Sprintf("contains(subject,'%s')", opts.SubjectContains))
	}
	if opts.UnreadOnly {
		clauses = append(clauses, "isRead eq false")
	}
	return strings.Join(clauses, " and ")
}

// --- wire shapes ---

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	Subject          string           `json:"subject"`
	From             *graphRecipient  `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	CcRecipients     []graphRecipient `json:"ccRecipients"`
	BccRecipients    []graphRecipient `json:"bccRecipients"`
	ReceivedDateTime string           `json:"receivedDateTime"`
	IsRead           bool             `json:"isRead"`
	IsDraft          bool             `json:"isDraft"`
	Importance       string           `json:"importance"`
	HasAttachments   bool             `json:"hasAttachments"`
	Flag             struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

func graphAddress(r graphRecipient) codec.EmailAddress {
	if r.EmailAddress.Address == "" {
		return codec.EmailAddress{Email: codec.SentinelEmail, Name: r.EmailAddress.Name}
	}
	return codec.EmailAddress{
		Email: strings.ToLower(r.EmailAddress.Address),
		Name:  r.EmailAddress.Name,
	}
}

func graphAddresses(rs []graphRecipient) []codec.EmailAddress {
	if len(rs) == 0 {
		return nil
	}
	out := make([]codec.EmailAddress, len(rs))
	for i, r := range rs {
		out[i] = graphAddress(r)
	}
	return out
}

// normalize converts a Graph message to the canonical shape, fetching the
// attachment listing when the message carries any.
func (o *OutlookProvider) normalize(ctx context.Context, raw *graphMessage) (*codec.Message, error) {
	msg := &codec.Message{
		ID:       raw.ID,
		ThreadID: raw.ConversationID,
		Subject:  raw.Subject,
		To:       graphAddresses(raw.ToRecipients),
		CC:       graphAddresses(raw.CcRecipients),
		BCC:      graphAddresses(raw.BccRecipients),
	}
	if raw.From != nil {
		msg.From = graphAddress(*raw.From)
	} else {
		msg.From = codec.EmailAddress{Email: codec.SentinelEmail}
	}
	if d, err := time.Parse(time.RFC3339, raw.ReceivedDateTime); err == nil {
		msg.Date = d
	}

	msg.Flags.IsRead = raw.IsRead
	msg.Flags.IsDraft = raw.IsDraft
	msg.Flags.IsStarred = raw.Flag.FlagStatus == "flagged"
	msg.Flags.IsImportant = raw.Importance == "high"

	if strings.EqualFold(raw.Body.ContentType, "html") {
		msg.Body.HTML = raw.Body.Content
		msg.Body.Text = codec.HTMLToText(raw.Body.Content)
	} else {
		msg.Body.Text = raw.Body.Content
	}

	if raw.HasAttachments {
		attachments, err := o.listAttachments(ctx, raw.ID)
		if err != nil {
			return nil, err
		}
		msg.Attachments = attachments
	}
	return msg, nil
}

func (o *OutlookProvider) listAttachments(ctx context.Context, id string) ([]codec.Attachment, error) {
	var resp struct {
		Value []struct {
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
			Size        int64  `json:"size"`
			ContentID   string `json:"contentId"`
		} `json:"value"`
	}
	path := fmt.Sprintf("/me/messages/%s/attachments?$select=name,contentType,size,contentId", url.PathEscape(id))
	if err := o.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	attachments := make([]codec.Attachment, 0, len(resp.Value))
	for _, a := range resp.Value {
		attachments = append(attachments, codec.Attachment{
			Filename:    a.Name,
			ContentType: a.ContentType,
			SizeBytes:   a.Size,
			ContentID:   a.ContentID,
		})
	}
	return attachments, nil
}

// graphOutgoing renders an OutgoingMessage as a Graph draft payload.
func graphOutgoing(msg *codec.OutgoingMessage) map[string]any {
	toRecipients := func(addrs []codec.EmailAddress) []map[string]any {
		out := make([]map[string]any, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, map[string]any{
				"emailAddress": map[string]string{"address": a.Email, "name": a.Name},
			})
		}
		return out
	}

	body := map[string]string{"contentType": "text", "content": msg.Text}
	if msg.HTML != "" {
		body = map[string]string{"contentType": "html", "content": msg.HTML}
	}

	payload := map[string]any{
		"subject":      msg.Subject,
		"body":         body,
		"toRecipients": toRecipients(msg.To),
	}
	if len(msg.CC) > 0 {
		payload["ccRecipients"] = toRecipients(msg.CC)
	}
	if len(msg.BCC) > 0 {
		payload["bccRecipients"] = toRecipients(msg.BCC)
	}
	if msg.ReplyTo != nil {
		payload["replyTo"] = toRecipients([]codec.EmailAddress{*msg.ReplyTo})
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]map[string]any, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			attachments = append(attachments, map[string]any{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         a.Filename,
				"contentType":  a.ContentType,
				"contentBytes": base64.StdEncoding.EncodeToString(a.Content),
			})
		}
		payload["attachments"] = attachments
	}
	return payload
}
