// Package imappool bounds the number of concurrently open IMAP sessions and
// makes per-account reuse safe. Entries move through an explicit lifecycle:
// absent -> connecting -> ready (idle or in use) -> ended.
package imappool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned when the account's connection is already checked
	// out. Callers that want to wait use WaitForConnection instead.
	ErrBusy = errors.New("imappool: connection in use")

	// ErrPoolFull is returned when the pool is at capacity and every entry
	// is busy, so nothing can be evicted.
	ErrPoolFull = errors.New("imappool: pool full")

	// ErrLoginFailed marks a credential rejection, as opposed to a
	// transport failure. Callers match it with errors.Is.
	ErrLoginFailed = errors.New("imappool: login failed")

	errClosed = errors.New("imappool: pool closed")
)

// Session is the subset of an IMAP client the pool and its consumers need.
// *client.Client satisfies it; tests substitute fakes. Streaming methods
// (List, Fetch, Expunge) close the channel they were given, as the emersion
// client does.
type Session interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Copy(seqset *imap.SeqSet, dest string) error
	Append(mbox string, flags []string, date time.Time, msg imap.Literal) error
	Expunge(ch chan uint32) error
	Noop() error
	Logout() error
}

// ConnectionConfig carries everything needed to open one IMAP session.
type ConnectionConfig struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

func (c ConnectionConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dialer opens and authenticates a session. Injectable for tests.
type Dialer func(cfg ConnectionConfig) (Session, error)

// DialIMAP is the default dialer: TLS (or plain) dial with a bounded connect
// timeout, followed by LOGIN.
func DialIMAP(cfg ConnectionConfig) (Session, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	netDialer := &net.Dialer{Timeout: timeout}

	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialWithDialerTLS(netDialer, cfg.addr(), &tls.Config{ServerName: cfg.Host})
	} else {
		c, err = client.DialWithDialer(netDialer, cfg.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.addr(), err)
	}
	c.Timeout = timeout

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w for %s: %v", ErrLoginFailed, cfg.Username, err)
	}
	return c, nil
}

type entry struct {
	accountID  string
	session    Session
	config     ConnectionConfig
	lastUsedAt time.Time
	inUse      bool
	connected  bool
}

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	MaxConnections      int
	MaxIdleTime         time.Duration
	KeepAliveAfter      time.Duration
	MaintenanceInterval time.Duration
	RetryInterval       time.Duration
	Dialer              Dialer
	Logger              zerolog.Logger
}

// Pool owns the entry map. All acquire/release/close transitions are
// serialized through one mutex; network calls happen outside it.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	dial                Dialer
	maxConnections      int
	maxIdleTime         time.Duration
	keepAliveAfter      time.Duration
	maintenanceInterval time.Duration
	retryInterval       time.Duration

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
	log             zerolog.Logger
}

// New creates a pool and starts its maintenance cycle.
func New(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.MaxIdleTime <= 0 {
		opts.MaxIdleTime = 5 * time.Minute
	}
	if opts.KeepAliveAfter <= 0 {
		opts.KeepAliveAfter = time.Minute
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Dialer == nil {
		opts.Dialer = DialIMAP
	}

	p := &Pool{
		entries:             make(map[string]*entry),
		dial:                opts.Dialer,
		maxConnections:      opts.MaxConnections,
		maxIdleTime:         opts.MaxIdleTime,
		keepAliveAfter:      opts.KeepAliveAfter,
		maintenanceInterval: opts.MaintenanceInterval,
		retryInterval:       opts.RetryInterval,
		stopMaintenance:     make(chan struct{}),
		maintenanceDone:     make(chan struct{}),
		log:                 opts.Logger,
	}
	go p.maintainLoop()
	return p
}

// Acquire checks out the account's session, dialing a new one if needed.
// A busy entry fails immediately with ErrBusy; a full pool with no idle
// entry to evict fails with ErrPoolFull.
func (p *Pool) Acquire(accountID string, cfg ConnectionConfig) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}

	if e, ok := p.entries[accountID]; ok {
		if e.inUse {
			p.mu.Unlock()
			return nil, ErrBusy
		}
		if e.connected {
			e.inUse = true
			e.lastUsedAt = time.Now()
			p.mu.Unlock()
			return e.session, nil
		}
		// Stale entry: reconnect below while holding the slot.
		e.inUse = true
		e.config = cfg
		p.mu.Unlock()
		return p.connectEntry(accountID, cfg)
	}

	if len(p.entries) >= p.maxConnections {
		victim := p.lruIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return nil, ErrPoolFull
		}
		delete(p.entries, victim.accountID)
		p.log.Debug().Str("account", victim.accountID).Msg("evicting idle imap connection")
		if victim.connected {
			go victim.session.Logout()
		}
	}

	// Placeholder claims the slot so a concurrent Acquire for the same
	// account sees "busy" instead of dialing a second session.
	p.entries[accountID] = &entry{
		accountID:  accountID,
		config:     cfg,
		inUse:      true,
		lastUsedAt: time.Now(),
	}
	p.mu.Unlock()

	return p.connectEntry(accountID, cfg)
}

// connectEntry dials outside the lock and resolves the claimed entry either
// to ready or to absent. The entry is never left in a connecting state.
func (p *Pool) connectEntry(accountID string, cfg ConnectionConfig) (Session, error) {
	session, err := p.dial(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[accountID]
	if !ok || p.closed {
		// Pool shut down mid-dial.
		if err == nil {
			go session.Logout()
		}
		return nil, errClosed
	}

	if err != nil {
		delete(p.entries, accountID)
		return nil, err
	}

	e.session = session
	e.connected = true
	e.lastUsedAt = time.Now()
	return session, nil
}

// WaitForConnection retries Acquire on a fixed interval while the entry is
// busy, until the context expires. Other failures are returned immediately.
func (p *Pool) WaitForConnection(ctx context.Context, accountID string, cfg ConnectionConfig) (Session, error) {
	for {
		session, err := p.Acquire(accountID, cfg)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for connection %s: %w", accountID, ctx.Err())
		case <-time.After(p.retryInterval):
		}
	}
}

// Release returns the session to the pool. The socket stays open for reuse.
func (p *Pool) Release(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[accountID]; ok {
		e.inUse = false
		e.lastUsedAt = time.Now()
	}
}

// Close logs out and removes a single account's entry.
func (p *Pool) Close(accountID string) {
	p.mu.Lock()
	e, ok := p.entries[accountID]
	if ok {
		delete(p.entries, accountID)
	}
	p.mu.Unlock()

	if ok && e.connected {
		e.session.Logout()
	}
}

// HealthCheck probes every idle connection with NOOP and reports per-account
// status. Busy entries are reported as they stand, without being touched.
func (p *Pool) HealthCheck() map[string]bool {
	type probe struct {
		accountID string
		session   Session
	}

	p.mu.Lock()
	status := make(map[string]bool, len(p.entries))
	var probes []probe
	for id, e := range p.entries {
		if e.inUse || !e.connected {
			status[id] = e.connected
			continue
		}
		probes = append(probes, probe{id, e.session})
	}
	p.mu.Unlock()

	for _, pr := range probes {
		ok := pr.session.Noop() == nil
		status[pr.accountID] = ok
		if !ok {
			p.demoteIfIdle(pr.accountID)
		}
	}
	return status
}

// CloseAll stops the maintenance cycle and closes every idle entry.
// Precondition: no entry is checked out; active sessions are not force-closed.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopMaintenance)

	var sessions []Session
	for id, e := range p.entries {
		if !e.inUse && e.connected {
			sessions = append(sessions, e.session)
		}
		delete(p.entries, id)
	}
	p.mu.Unlock()

	<-p.maintenanceDone
	for _, s := range sessions {
		s.Logout()
	}
}

// Len reports the number of live entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) lruIdleLocked() *entry {
	var victim *entry
	for _, e := range p.entries {
		if e.inUse {
			continue
		}
		if victim == nil || e.lastUsedAt.Before(victim.lastUsedAt) {
			victim = e
		}
	}
	return victim
}

func (p *Pool) maintainLoop() {
	defer close(p.maintenanceDone)
	ticker := time.NewTicker(p.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopMaintenance:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

// maintain closes entries idle past MaxIdleTime and keepalives the rest.
// Failures here never propagate: a dead connection is demoted and re-dialed
// on the next Acquire.
func (p *Pool) maintain() {
	type probe struct {
		accountID string
		session   Session
	}
	now := time.Now()

	p.mu.Lock()
	var toClose []Session
	var probes []probe
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		idle := now.Sub(e.lastUsedAt)
		switch {
		case idle > p.maxIdleTime:
			if e.connected {
				toClose = append(toClose, e.session)
			}
			delete(p.entries, id)
			p.log.Debug().Str("account", id).Dur("idle", idle).Msg("closing idle imap connection")
		case idle > p.keepAliveAfter && e.connected:
			probes = append(probes, probe{id, e.session})
		}
	}
	p.mu.Unlock()

	for _, s := range toClose {
		s.Logout()
	}
	for _, pr := range probes {
		if err := pr.session.Noop(); err != nil {
			p.log.Warn().Str("account", pr.accountID).Err(err).Msg("imap keepalive failed")
			p.demoteIfIdle(pr.accountID)
		}
	}
}

// demoteIfIdle flips connected=false unless the entry was acquired while the
// probe was in flight; a busy caller will surface its own error.
func (p *Pool) demoteIfIdle(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[accountID]; ok && !e.inUse {
		e.connected = false
	}
}
