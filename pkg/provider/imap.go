package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	jwemail "github.com/jordan-wright/email"
	"github.com/rs/zerolog"

	"github.com/unimail/unimail/pkg/codec"
	"github.com/unimail/unimail/pkg/imappool"
	"github.com/unimail/unimail/pkg/storage"
)

// sentFolderNames is tried in order when appending a sent copy.
var sentFolderNames = []string{"Sent", "Sent Items", "Sent Messages", "[Gmail]/Sent Mail"}

// IMAPConfig carries credentials and server settings for one IMAP/SMTP
// account.
type IMAPConfig struct {
	AccountID string
	Email     string
	Password  string
	IMAPHost  string
	IMAPPort  int
	SMTPHost  string
	SMTPPort  int
	Timeout   time.Duration
}

// IMAPProvider serves generic IMAP/SMTP accounts. IMAP sessions come from
// the shared connection pool; SMTP is dialed per send. Message ids take the
// form "folder:uid" and are only meaningful to this provider.
type IMAPProvider struct {
	cfg         IMAPConfig
	pool        *imappool.Pool
	attachments *storage.AttachmentCache
	log         zerolog.Logger
	smtpSend    func(e *jwemail.Email, addr string, auth smtp.Auth, tlsCfg *tls.Config) error
}

// NewIMAPProvider builds an IMAP provider on the shared pool. cache may be
// nil to disable attachment caching.
func NewIMAPProvider(cfg IMAPConfig, pool *imappool.Pool, cache *storage.AttachmentCache, logger zerolog.Logger) *IMAPProvider {
	if cfg.AccountID == "" {
		cfg.AccountID = cfg.Email
	}
	return &IMAPProvider{
		cfg:         cfg,
		pool:        pool,
		attachments: cache,
		log:         logger,
		smtpSend: func(e *jwemail.Email, addr string, auth smtp.Auth, tlsCfg *tls.Config) error {
			return e.SendWithStartTLS(addr, auth, tlsCfg)
		},
	}
}

func (p *IMAPProvider) ProviderInfo() Info {
	return Info{Kind: KindIMAP, AccountEmail: strings.ToLower(p.cfg.Email), SupportsPush: false}
}

func (p *IMAPProvider) connConfig() imappool.ConnectionConfig {
	return imappool.ConnectionConfig{
		Host:           p.cfg.IMAPHost,
		Port:           p.cfg.IMAPPort,
		TLS:            true,
		Username:       p.cfg.Email,
		Password:       p.cfg.Password,
		ConnectTimeout: p.cfg.Timeout,
	}
}

// withSession checks a pool session out for the duration of fn, waiting out
// a busy entry until the caller's context expires.
func (p *IMAPProvider) withSession(ctx context.Context, fn func(s imappool.Session) error) error {
	session, err := p.pool.WaitForConnection(ctx, p.cfg.AccountID, p.connConfig())
	if err != nil {
		if errors.Is(err, imappool.ErrLoginFailed) {
			return authErr("imap", "login rejected", err)
		}
		return connErr("imap", "could not get connection", err)
	}
	defer p.pool.Release(p.cfg.AccountID)
	return fn(session)
}

// Authenticate acquires a pool entry for the IMAP side and separately
// verifies the SMTP transport. Credential rejections are results; transport
// failures are errors.
func (p *IMAPProvider) Authenticate(ctx context.Context) (*AuthResult, error) {
	session, err := p.pool.WaitForConnection(ctx, p.cfg.AccountID, p.connConfig())
	if err != nil {
		if errors.Is(err, imappool.ErrLoginFailed) {
			return &AuthResult{OK: false, Reason: "IMAP login rejected", NeedsReauth: true}, nil
		}
		return nil, connErr("imap", "IMAP connection failed", err)
	}
	noopErr := session.Noop()
	p.pool.Release(p.cfg.AccountID)
	if noopErr != nil {
		return nil, connErr("imap", "IMAP connection unhealthy", noopErr)
	}

	if err := p.verifySMTP(); err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == ErrAuth {
			return &AuthResult{OK: false, Reason: "SMTP login rejected", NeedsReauth: true}, nil
		}
		return nil, err
	}

	return &AuthResult{OK: true, Email: strings.ToLower(p.cfg.Email)}, nil
}

// verifySMTP dials the submission port, upgrades to TLS and authenticates,
// without sending anything.
func (p *IMAPProvider) verifySMTP() error {
	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)
	c, err := smtp.Dial(addr)
	if err != nil {
		return connErr("imap", "SMTP connection failed", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.cfg.SMTPHost}); err != nil {
			return connErr("imap", "STARTTLS failed", err)
		}
	}
	auth := smtp.PlainAuth("", p.cfg.Email, p.cfg.Password, p.cfg.SMTPHost)
	if err := c.Auth(auth); err != nil {
		return authErr("imap", "SMTP authentication failed", err)
	}
	return c.Quit()
}

// RefreshAuth is a no-op: password credentials have nothing to refresh.
func (p *IMAPProvider) RefreshAuth(ctx context.Context) error { return nil }

func (p *IMAPProvider) ValidateConnection(ctx context.Context) error {
	return p.withSession(ctx, func(s imappool.Session) error {
		if err := s.Noop(); err != nil {
			return connErr("imap", "connection probe failed", err)
		}
		return nil
	})
}

func (p *IMAPProvider) Disconnect(ctx context.Context) error {
	p.pool.Close(p.cfg.AccountID)
	return nil
}

// FetchEmails opens the folder read-only, resolves SEARCH criteria from the
// options, fetches full bodies and parses each with the streaming MIME
// parser. Results come back date-descending.
func (p *IMAPProvider) FetchEmails(ctx context.Context, opts FetchOptions) ([]*codec.Message, error) {
	return p.searchAndFetch(ctx, opts.Folder, imapCriteria(opts), opts.Limit)
}

// SearchEmails runs a full-text SEARCH over the inbox.
func (p *IMAPProvider) SearchEmails(ctx context.Context, query string, limit int) ([]*codec.Message, error) {
	criteria := imap.NewSearchCriteria()
	if query != "" {
		criteria.Text = []string{query}
	}
	return p.searchAndFetch(ctx, "", criteria, limit)
}

func (p *IMAPProvider) searchAndFetch(ctx context.Context, folder string, criteria *imap.SearchCriteria, limit int) ([]*codec.Message, error) {
	if folder == "" {
		folder = "INBOX"
	}

	var messages []*codec.Message
	err := p.withSession(ctx, func(s imappool.Session) error {
		mbox, err := s.Select(folder, true)
		if err != nil {
			return notFoundErr("imap", "folder does not exist: "+folder, err)
		}
		if mbox.Messages == 0 {
			return nil
		}

		seqNums, err := s.Search(criteria)
		if err != nil {
			return connErr("imap", "search failed", err)
		}
		if len(seqNums) == 0 {
			return nil
		}
		if limit > 0 && len(seqNums) > limit {
			// Sequence numbers ascend with arrival; keep the newest.
			seqNums = seqNums[len(seqNums)-limit:]
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(seqNums...)

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

		ch := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.Fetch(seqSet, items, ch)
		}()

		for raw := range ch {
			messages = append(messages, p.normalize(raw, folder, section))
		}
		if err := <-done; err != nil {
			return connErr("imap", "fetch failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Date.After(messages[j].Date)
	})
	return messages, nil
}

// normalize parses one fetched message into the canonical shape. A body that
// fails MIME parsing degrades to the envelope fields, never to an error.
func (p *IMAPProvider) normalize(raw *imap.Message, folder string, section *imap.BodySectionName) *codec.Message {
	var msg *codec.Message
	if r := raw.GetBody(section); r != nil {
		parsed, err := codec.ParseMimeMessage(r)
		if err == nil {
			msg = parsed
		}
	}
	if msg == nil {
		msg = &codec.Message{From: codec.EmailAddress{Email: codec.SentinelEmail}}
	}

	msg.ID = imapMessageID(folder, raw.Uid)
	if env := raw.Envelope; env != nil {
		if msg.Subject == "" {
			msg.Subject = env.Subject
		}
		if msg.Date.IsZero() {
			msg.Date = env.Date
		}
	}

	for _, flag := range raw.Flags {
		switch flag {
		case imap.SeenFlag:
			msg.Flags.IsRead = true
		case imap.FlaggedFlag:
			msg.Flags.IsStarred = true
		case imap.DraftFlag:
			msg.Flags.IsDraft = true
		}
	}
	return msg
}

func (p *IMAPProvider) GetEmail(ctx context.Context, id string) (*codec.Message, error) {
	folder, uid, err := splitIMAPMessageID(id)
	if err != nil {
		return nil, err
	}

	var msg *codec.Message
	err = p.withSession(ctx, func(s imappool.Session) error {
		if _, err := s.Select(folder, true); err != nil {
			return notFoundErr("imap", "folder does not exist: "+folder, err)
		}
		seqNum, err := resolveUID(s, uid)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(seqNum)
		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

		ch := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.Fetch(seqSet, items, ch)
		}()

		for raw := range ch {
			msg = p.normalize(raw, folder, section)
		}
		if err := <-done; err != nil {
			return connErr("imap", "fetch failed", err)
		}
		if msg == nil {
			return notFoundErr("imap", "message not found: "+id, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// FetchAttachment returns one attachment's bytes, from the on-disk cache
// when it has them.
func (p *IMAPProvider) FetchAttachment(ctx context.Context, id, filename string) ([]byte, error) {
	key := storage.Key(p.cfg.AccountID, id, filename)
	if p.attachments != nil {
		if content, found, err := p.attachments.Get(key); err == nil && found {
			return content, nil
		}
	}

	folder, uid, err := splitIMAPMessageID(id)
	if err != nil {
		return nil, err
	}

	var attachment *codec.Attachment
	err = p.withSession(ctx, func(s imappool.Session) error {
		if _, err := s.Select(folder, true); err != nil {
			return notFoundErr("imap", "folder does not exist: "+folder, err)
		}
		seqNum, err := resolveUID(s, uid)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(seqNum)
		section := &imap.BodySectionName{Peek: true}

		ch := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.Fetch(seqSet, []imap.FetchItem{section.FetchItem()}, ch)
		}()

		for raw := range ch {
			r := raw.GetBody(section)
			if r == nil {
				continue
			}
			parsed, err := codec.ParseMimeMessage(r)
			if err != nil {
				continue
			}
			for i := range parsed.Attachments {
				if parsed.Attachments[i].Filename == filename {
					attachment = &parsed.Attachments[i]
					break
				}
			}
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	if attachment == nil {
		return nil, notFoundErr("imap", "attachment not found: "+filename, nil)
	}

	if p.attachments != nil {
		if err := p.attachments.Put(key, filename, attachment.ContentType, attachment.Content); err != nil {
			p.log.Warn().Str("key", key).Err(err).Msg("attachment cache write failed")
		}
	}
	return attachment.Content, nil
}

// SendEmail submits over SMTP, then best-effort appends a copy to a detected
// Sent folder. Append failure is logged, not propagated; the send already
// succeeded.
func (p *IMAPProvider) SendEmail(ctx context.Context, msg *codec.OutgoingMessage) (*codec.SentMessage, error) {
	if len(msg.To) == 0 {
		return nil, NewError("imap", ErrMalformed, "no recipients", nil, false)
	}

	e := jwemail.NewEmail()
	e.From = codec.FormatAddress(msg.From)
	if e.From == "" {
		e.From = p.cfg.Email
	}
	for _, a := range msg.To {
		e.To = append(e.To, codec.FormatAddress(a))
	}
	for _, a := range msg.CC {
		e.Cc = append(e.Cc, codec.FormatAddress(a))
	}
	for _, a := range msg.BCC {
		e.Bcc = append(e.Bcc, codec.FormatAddress(a))
	}
	e.Subject = msg.Subject
	if msg.Text != "" {
		e.Text = []byte(msg.Text)
	}
	if msg.HTML != "" {
		e.HTML = []byte(msg.HTML)
	}

	domain := p.cfg.SMTPHost
	if at := strings.SplitN(p.cfg.Email, "@", 2); len(at) == 2 {
		domain = at[1]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	e.Headers.Set("Message-ID", messageID)

	if msg.InReplyTo != "" {
		e.Headers.Set("In-Reply-To", msg.InReplyTo)
		refs := msg.References
		if !containsString(refs, msg.InReplyTo) {
			refs = append(refs, msg.InReplyTo)
		}
		e.Headers.Set("References", strings.Join(refs, " "))
	} else if len(msg.References) > 0 {
		e.Headers.Set("References", strings.Join(msg.References, " "))
	}
	if msg.ReplyTo != nil {
		e.ReplyTo = []string{codec.FormatAddress(*msg.ReplyTo)}
	}

	for _, a := range msg.Attachments {
		if _, err := e.Attach(bytes.NewReader(a.Content), a.Filename, a.ContentType); err != nil {
			return nil, NewError("imap", ErrMalformed, "failed to attach "+a.Filename, err, false)
		}
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)
	auth := smtp.PlainAuth("", p.cfg.Email, p.cfg.Password, p.cfg.SMTPHost)
	if err := p.smtpSend(e, addr, auth, &tls.Config{ServerName: p.cfg.SMTPHost}); err != nil {
		return nil, connErr("imap", "failed to send email", err)
	}

	p.appendToSent(ctx, e)

	return &codec.SentMessage{
		ID:       messageID,
		ThreadID: codec.ExtractThreadID(msg.Subject, msg.References),
		SentAt:   time.Now(),
	}, nil
}

// appendToSent copies the sent message into the first conventional Sent
// folder that accepts it.
func (p *IMAPProvider) appendToSent(ctx context.Context, e *jwemail.Email) {
	wire, err := e.Bytes()
	if err != nil {
		p.log.Warn().Err(err).Msg("could not serialize sent copy")
		return
	}

	err = p.withSession(ctx, func(s imappool.Session) error {
		var lastErr error
		for _, folder := range sentFolderNames {
			literal := bytes.NewReader(wire)
			if lastErr = s.Append(folder, []string{imap.SeenFlag}, time.Now(), literal); lastErr == nil {
				return nil
			}
		}
		return lastErr
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("could not append sent copy to a Sent folder")
	}
}

func (p *IMAPProvider) GetFolders(ctx context.Context) ([]Folder, error) {
	var folders []Folder
	err := p.withSession(ctx, func(s imappool.Session) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.List("", "*", mailboxes)
		}()

		var names []string
		for m := range mailboxes {
			names = append(names, m.Name)
		}
		if err := <-done; err != nil {
			return connErr("imap", "failed to list folders", err)
		}

		for _, name := range names {
			f := Folder{ID: name, Name: name}
			if mbox, err := s.Select(name, true); err == nil {
				f.MessageCount = mbox.Messages
				f.UnreadCount = mbox.Unseen
			}
			folders = append(folders, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// MoveEmail copies the message to the target folder, flags the original
// deleted and expunges. Plain IMAP has no atomic move.
func (p *IMAPProvider) MoveEmail(ctx context.Context, id, folder string) error {
	srcFolder, uid, err := splitIMAPMessageID(id)
	if err != nil {
		return err
	}
	return p.withSession(ctx, func(s imappool.Session) error {
		if _, err := s.Select(srcFolder, false); err != nil {
			return notFoundErr("imap", "folder does not exist: "+srcFolder, err)
		}
		seqNum, err := resolveUID(s, uid)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(seqNum)
		if err := s.Copy(seqSet, folder); err != nil {
			return connErr("imap", "copy failed", err)
		}
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return connErr("imap", "flag update failed", err)
		}
		if err := s.Expunge(nil); err != nil {
			return connErr("imap", "expunge failed", err)
		}
		return nil
	})
}

func (p *IMAPProvider) MarkAsRead(ctx context.Context, id string) error {
	return p.storeFlag(ctx, id, imap.AddFlags, imap.SeenFlag)
}

func (p *IMAPProvider) MarkAsUnread(ctx context.Context, id string) error {
	return p.storeFlag(ctx, id, imap.RemoveFlags, imap.SeenFlag)
}

func (p *IMAPProvider) StarEmail(ctx context.Context, id string) error {
	return p.storeFlag(ctx, id, imap.AddFlags, imap.FlaggedFlag)
}

func (p *IMAPProvider) UnstarEmail(ctx context.Context, id string) error {
	return p.storeFlag(ctx, id, imap.RemoveFlags, imap.FlaggedFlag)
}

func (p *IMAPProvider) DeleteEmail(ctx context.Context, id string) error {
	folder, uid, err := splitIMAPMessageID(id)
	if err != nil {
		return err
	}
	return p.withSession(ctx, func(s imappool.Session) error {
		if _, err := s.Select(folder, false); err != nil {
			return notFoundErr("imap", "folder does not exist: "+folder, err)
		}
		seqNum, err := resolveUID(s, uid)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(seqNum)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return connErr("imap", "flag update failed", err)
		}
		if err := s.Expunge(nil); err != nil {
			return connErr("imap", "expunge failed", err)
		}
		return nil
	})
}

func (p *IMAPProvider) storeFlag(ctx context.Context, id string, op imap.FlagsOp, flag string) error {
	folder, uid, err := splitIMAPMessageID(id)
	if err != nil {
		return err
	}
	return p.withSession(ctx, func(s imappool.Session) error {
		if _, err := s.Select(folder, false); err != nil {
			return notFoundErr("imap", "folder does not exist: "+folder, err)
		}
		seqNum, err := resolveUID(s, uid)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(seqNum)
		item := imap.FormatFlagsOp(op, true)
		if err := s.Store(seqSet, item, []interface{}{flag}, nil); err != nil {
			return connErr("imap", "flag update failed", err)
		}
		return nil
	})
}

// resolveUID maps a UID to the current sequence number in the selected
// folder.
func resolveUID(s imappool.Session, uid uint32) (uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddNum(uid)

	seqNums, err := s.Search(criteria)
	if err != nil {
		return 0, connErr("imap", "search failed", err)
	}
	if len(seqNums) == 0 {
		return 0, notFoundErr("imap", fmt.Sprintf("message not found: uid %d", uid), nil)
	}
	return seqNums[0], nil
}

func imapMessageID(folder string, uid uint32) string {
	return fmt.Sprintf("%s:%d", folder, uid)
}

func splitIMAPMessageID(id string) (folder string, uid uint32, err error) {
	i := strings.LastIndex(id, ":")
	if i < 1 {
		return "", 0, notFoundErr("imap", "malformed message id: "+id, nil)
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, notFoundErr("imap", "malformed message id: "+id, nil)
	}
	return id[:i], uint32(n), nil
}

// imapCriteria resolves fetch options into IMAP SEARCH criteria.
func imapCriteria(opts FetchOptions) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}
	if !opts.Until.IsZero() {
		// SEARCH BEFORE is exclusive; widen by a day for an inclusive range.
		criteria.Before = opts.Until.AddDate(0, 0, 1)
	}
	if opts.From != "" {
		criteria.Header.Set("From", opts.From)
	}
	if opts.SubjectContains != "" {
		criteria.Header.Set("Subject", opts.SubjectContains)
	}
	if opts.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	return criteria
}
