package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	jwemail "github.com/jordan-wright/email"
	"github.com/rs/zerolog"

	"github.com/unimail/unimail/pkg/imappool"
)

type storeCall struct {
	item  imap.StoreItem
	value interface{}
}

// scriptSession is a canned IMAP session: a single folder of messages keyed
// by sequence number.
type scriptSession struct {
	folders      []string
	selected     string
	readOnly     bool
	messages     map[uint32]*imap.Message
	stores       []storeCall
	copies       []string
	expunges     int
	appendedTo   []string
	appendAccept string
}

func (s *scriptSession) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	for _, f := range s.folders {
		if f == name {
			s.selected = name
			s.readOnly = readOnly
			return &imap.MailboxStatus{Name: name, Messages: uint32(len(s.messages))}, nil
		}
	}
	return nil, fmt.Errorf("no such mailbox: %s", name)
}

func (s *scriptSession) List(ref, name string, ch chan *imap.MailboxInfo) error {
	for _, f := range s.folders {
		ch <- &imap.MailboxInfo{Name: f}
	}
	close(ch)
	return nil
}

func (s *scriptSession) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	var result []uint32
	for seq, m := range s.messages {
		if criteria.Uid != nil {
			if criteria.Uid.Contains(m.Uid) {
				result = append(result, seq)
			}
			continue
		}
		result = append(result, seq)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (s *scriptSession) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	for seq, m := range s.messages {
		if seqset.Contains(seq) {
			ch <- m
		}
	}
	close(ch)
	return nil
}

func (s *scriptSession) Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	s.stores = append(s.stores, storeCall{item: item, value: value})
	if ch != nil {
		close(ch)
	}
	return nil
}

func (s *scriptSession) Copy(seqset *imap.SeqSet, dest string) error {
	s.copies = append(s.copies, dest)
	return nil
}

func (s *scriptSession) Append(mbox string, flags []string, date time.Time, msg imap.Literal) error {
	if s.appendAccept != "" && mbox != s.appendAccept {
		return fmt.Errorf("no such mailbox: %s", mbox)
	}
	s.appendedTo = append(s.appendedTo, mbox)
	return nil
}

func (s *scriptSession) Expunge(ch chan uint32) error {
	s.expunges++
	if ch != nil {
		close(ch)
	}
	return nil
}

func (s *scriptSession) Noop() error   { return nil }
func (s *scriptSession) Logout() error { return nil }

func rawMessage(from, subject, body string, date time.Time) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: bob@example.com\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain\r\n\r\n%s",
		from, subject, date.Format(time.RFC1123Z), body)
}

func scriptMessage(uid uint32, from, subject, body string, date time.Time, flags ...string) *imap.Message {
	// Fetch responses carry BODY[] without .PEEK, so the body map key has
	// Peek unset; GetBody normalizes the requested section to match.
	section := &imap.BodySectionName{}
	return &imap.Message{
		Uid:      uid,
		Flags:    flags,
		Envelope: &imap.Envelope{Subject: subject, Date: date},
		Body: map[*imap.BodySectionName]imap.Literal{
			section: strings.NewReader(rawMessage(from, subject, body, date)),
		},
	}
}

func newTestIMAP(t *testing.T, session *scriptSession) *IMAPProvider {
	t.Helper()
	pool := imappool.New(imappool.Options{
		Dialer: func(imappool.ConnectionConfig) (imappool.Session, error) { return session, nil },
	})
	t.Cleanup(pool.CloseAll)

	p := NewIMAPProvider(IMAPConfig{
		AccountID: "acct-1",
		Email:     "bob@example.org",
		Password:  "pw",
		IMAPHost:  "imap.example.org", IMAPPort: 993,
		SMTPHost: "smtp.example.org", SMTPPort: 587,
	}, pool, nil, zerolog.Nop())
	return p
}

func TestIMAPFetchEmailsParsesAndSorts(t *testing.T) {
	session := &scriptSession{
		folders: []string{"INBOX"},
		messages: map[uint32]*imap.Message{
			1: scriptMessage(101, "Alice <alice@example.com>", "Older", "first",
				time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC), imap.SeenFlag),
			2: scriptMessage(102, "carol@example.com", "Newer", "second",
				time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), imap.FlaggedFlag),
		},
	}
	p := newTestIMAP(t, session)

	msgs, err := p.FetchEmails(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !session.readOnly {
		t.Error("fetch must select the folder read-only")
	}

	if msgs[0].Subject != "Newer" {
		t.Errorf("first message = %q, want newest first", msgs[0].Subject)
	}
	if msgs[0].ID != "INBOX:102" {
		t.Errorf("id = %q, want INBOX:102", msgs[0].ID)
	}
	if !msgs[0].Flags.IsStarred || msgs[0].Flags.IsRead {
		t.Errorf("flags = %+v", msgs[0].Flags)
	}
	if msgs[1].From.Email != "alice@example.com" || msgs[1].From.Name != "Alice" {
		t.Errorf("from = %+v", msgs[1].From)
	}
	if msgs[1].Body.Text != "first" {
		t.Errorf("body = %q", msgs[1].Body.Text)
	}
	if !msgs[1].Flags.IsRead {
		t.Error("seen flag should map to IsRead")
	}
}

func TestIMAPGetEmailByUID(t *testing.T) {
	session := &scriptSession{
		folders: []string{"INBOX"},
		messages: map[uint32]*imap.Message{
			7: scriptMessage(205, "alice@example.com", "Target", "found me",
				time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)),
		},
	}
	p := newTestIMAP(t, session)

	msg, err := p.GetEmail(context.Background(), "INBOX:205")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if msg.Subject != "Target" || msg.Body.Text != "found me" {
		t.Errorf("message = %+v", msg)
	}
}

func TestIMAPGetEmailNotFound(t *testing.T) {
	session := &scriptSession{folders: []string{"INBOX"}, messages: map[uint32]*imap.Message{}}
	p := newTestIMAP(t, session)

	_, err := p.GetEmail(context.Background(), "INBOX:999")
	if KindOf(err) != ErrNotFound {
		t.Errorf("kind = %s, want not_found", KindOf(err))
	}
}

func TestIMAPMarkAsReadStoresSeenFlag(t *testing.T) {
	session := &scriptSession{
		folders: []string{"INBOX"},
		messages: map[uint32]*imap.Message{
			1: scriptMessage(101, "a@b.c", "s", "b", time.Now()),
		},
	}
	p := newTestIMAP(t, session)

	if err := p.MarkAsRead(context.Background(), "INBOX:101"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if session.readOnly {
		t.Error("flag mutation needs a read-write select")
	}
	if len(session.stores) != 1 {
		t.Fatalf("stores = %d, want 1", len(session.stores))
	}
	flags, ok := session.stores[0].value.([]interface{})
	if !ok || len(flags) != 1 || flags[0] != imap.SeenFlag {
		t.Errorf("stored value = %v", session.stores[0].value)
	}
}

func TestIMAPMoveEmailCopiesAndExpunges(t *testing.T) {
	session := &scriptSession{
		folders: []string{"INBOX", "Archive"},
		messages: map[uint32]*imap.Message{
			1: scriptMessage(101, "a@b.c", "s", "b", time.Now()),
		},
	}
	p := newTestIMAP(t, session)

	if err := p.MoveEmail(context.Background(), "INBOX:101", "Archive"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if len(session.copies) != 1 || session.copies[0] != "Archive" {
		t.Errorf("copies = %v", session.copies)
	}
	if len(session.stores) != 1 {
		t.Errorf("expected a deleted-flag store, got %d", len(session.stores))
	}
	if session.expunges != 1 {
		t.Errorf("expunges = %d, want 1", session.expunges)
	}
}

func TestIMAPSendEmailAppendsSentCopy(t *testing.T) {
	session := &scriptSession{
		folders:      []string{"INBOX"},
		messages:     map[uint32]*imap.Message{},
		appendAccept: "Sent Items",
	}
	p := newTestIMAP(t, session)

	var sentWire []byte
	p.smtpSend = func(e *jwemail.Email, addr string, auth smtp.Auth, tlsCfg *tls.Config) error {
		sentWire, _ = e.Bytes()
		return nil
	}

	out := outgoingFixture()
	out.InReplyTo = "<root@example.com>"
	sent, err := p.SendEmail(context.Background(), out)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sent.ID == "" || sent.SentAt.IsZero() {
		t.Errorf("sent = %+v", sent)
	}
	if !strings.Contains(string(sentWire), "Subject: Ping") {
		t.Error("wire form missing subject")
	}
	if !strings.Contains(string(sentWire), "In-Reply-To: <root@example.com>") {
		t.Error("wire form missing threading header")
	}

	// "Sent" is rejected by the fake, so the copy must land in "Sent Items".
	if len(session.appendedTo) != 1 || session.appendedTo[0] != "Sent Items" {
		t.Errorf("appended to %v, want [Sent Items]", session.appendedTo)
	}
}

func TestIMAPSendFailureDoesNotAppend(t *testing.T) {
	session := &scriptSession{folders: []string{"INBOX"}, messages: map[uint32]*imap.Message{}}
	p := newTestIMAP(t, session)
	p.smtpSend = func(*jwemail.Email, string, smtp.Auth, *tls.Config) error {
		return fmt.Errorf("550 relay denied")
	}

	_, err := p.SendEmail(context.Background(), outgoingFixture())
	if KindOf(err) != ErrConnection {
		t.Errorf("kind = %s, want connection", KindOf(err))
	}
	if len(session.appendedTo) != 0 {
		t.Error("failed send must not append a sent copy")
	}
}

func TestIMAPAuthenticateLoginRejected(t *testing.T) {
	pool := imappool.New(imappool.Options{
		Dialer: func(imappool.ConnectionConfig) (imappool.Session, error) {
			return nil, fmt.Errorf("%w for bob", imappool.ErrLoginFailed)
		},
	})
	defer pool.CloseAll()

	p := NewIMAPProvider(IMAPConfig{
		Email: "bob@example.org", Password: "wrong",
		IMAPHost: "imap.example.org", IMAPPort: 993,
		SMTPHost: "smtp.example.org", SMTPPort: 587,
	}, pool, nil, zerolog.Nop())

	res, err := p.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("expected a result, got error: %v", err)
	}
	if res.OK || !res.NeedsReauth {
		t.Errorf("result = %+v, want rejection needing reauth", res)
	}
}

func TestIMAPGetFolders(t *testing.T) {
	session := &scriptSession{
		folders:  []string{"INBOX", "Archive", "Sent"},
		messages: map[uint32]*imap.Message{},
	}
	p := newTestIMAP(t, session)

	folders, err := p.GetFolders(context.Background())
	if err != nil {
		t.Fatalf("folders failed: %v", err)
	}
	if len(folders) != 3 {
		t.Fatalf("got %d folders, want 3", len(folders))
	}
	if folders[0].Name != "INBOX" {
		t.Errorf("first folder = %q", folders[0].Name)
	}
}

func TestSplitIMAPMessageID(t *testing.T) {
	folder, uid, err := splitIMAPMessageID("[Gmail]/All Mail:42")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if folder != "[Gmail]/All Mail" || uid != 42 {
		t.Errorf("split = %q, %d", folder, uid)
	}

	if _, _, err := splitIMAPMessageID("no-separator"); err == nil {
		t.Error("expected error for malformed id")
	}
	if _, _, err := splitIMAPMessageID("INBOX:notanumber"); err == nil {
		t.Error("expected error for non-numeric uid")
	}
}

func TestIMAPCriteria(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	criteria := imapCriteria(FetchOptions{
		Since: since, Until: until,
		From: "alice@example.com", SubjectContains: "invoice",
		UnreadOnly: true,
	})

	if !criteria.Since.Equal(since) {
		t.Errorf("since = %v", criteria.Since)
	}
	if !criteria.Before.Equal(until.AddDate(0, 0, 1)) {
		t.Errorf("before = %v, want inclusive upper bound", criteria.Before)
	}
	if got := criteria.Header.Get("From"); got != "alice@example.com" {
		t.Errorf("from header = %q", got)
	}
	if got := criteria.Header.Get("Subject"); got != "invoice" {
		t.Errorf("subject header = %q", got)
	}
	if len(criteria.WithoutFlags) != 1 || criteria.WithoutFlags[0] != imap.SeenFlag {
		t.Errorf("without flags = %v", criteria.WithoutFlags)
	}
}
