package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, delay time.Duration) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func expiredToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		Expiry:       time.Now().Add(-time.Hour),
	}
}

func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	srv, calls := newTokenServer(t, 50*time.Millisecond)
	cfg := &oauth2.Config{
		ClientID: "id", ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}
	m := newTokenManager(cfg, expiredToken())

	const workers = 8
	var wg sync.WaitGroup
	tokens := make([]*oauth2.Token, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.Refresh(context.Background())
			if err != nil {
				t.Errorf("refresh %d failed: %v", i, err)
				return
			}
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(calls); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
	for i, token := range tokens {
		if token == nil || token.AccessToken != "fresh-token" {
			t.Errorf("worker %d got token %+v, want fresh-token", i, token)
		}
	}
}

func TestRefreshMutatesStoredToken(t *testing.T) {
	srv, _ := newTokenServer(t, 0)
	cfg := &oauth2.Config{
		ClientID: "id", ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}
	m := newTokenManager(cfg, expiredToken())

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if m.Current().AccessToken != "fresh-token" {
		t.Errorf("stored token = %q, want fresh-token", m.Current().AccessToken)
	}
}

func TestAccessTokenSkipsRefreshWhenValid(t *testing.T) {
	srv, calls := newTokenServer(t, 0)
	cfg := &oauth2.Config{
		ClientID: "id", ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}
	m := newTokenManager(cfg, &oauth2.Token{
		AccessToken: "still-good",
		Expiry:      time.Now().Add(time.Hour),
	})

	token, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token failed: %v", err)
	}
	if token != "still-good" {
		t.Errorf("token = %q, want still-good", token)
	}
	if atomic.LoadInt64(calls) != 0 {
		t.Error("valid token should not trigger a refresh")
	}
}
