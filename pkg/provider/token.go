package provider

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

type refreshCall struct {
	done  chan struct{}
	token *oauth2.Token
	err   error
}

// tokenManager owns one account's OAuth token. Concurrent refreshes are
// coalesced: a second caller waits for the in-flight exchange and shares
// its result instead of issuing a duplicate request.
type tokenManager struct {
	config *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
	call  *refreshCall
}

func newTokenManager(config *oauth2.Config, token *oauth2.Token) *tokenManager {
	return &tokenManager{config: config, token: token}
}

// Exchange trades an authorization code for a token and stores it.
func (m *tokenManager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := m.config.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return token, nil
}

// Current returns the stored token, nil if none.
func (m *tokenManager) Current() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// AccessToken returns a valid bearer token, refreshing first when the stored
// one has expired.
func (m *tokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token != nil && token.Valid() {
		return token.AccessToken, nil
	}
	refreshed, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token, mutating the
// stored session in place. Only one refresh is in flight per account.
func (m *tokenManager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	if m.call != nil {
		call := m.call
		m.mu.Unlock()
		<-call.done
		return call.token, call.err
	}
	call := &refreshCall{done: make(chan struct{})}
	m.call = call
	current := m.token
	m.mu.Unlock()

	token, err := m.config.TokenSource(ctx, current).Token()

	m.mu.Lock()
	if err == nil {
		m.token = token
	}
	m.call = nil
	m.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}
