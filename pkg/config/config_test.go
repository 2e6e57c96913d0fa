package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"GMAIL_CLIENT_ID", "OUTLOOK_CLIENT_ID", "WEBHOOK_LISTEN",
		"POOL_MAX_CONNECTIONS", "POOL_MAX_IDLE_SECONDS", "POOL_KEEPALIVE_SECONDS",
		"EMAIL_TIMEOUT_SECONDS", "FILES_ROOT", "CACHE_MAX_SIZE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.WebhookListen != ":8080" {
		t.Errorf("WebhookListen = %q, want :8080", cfg.WebhookListen)
	}
	if cfg.PoolMaxConnections != 10 {
		t.Errorf("PoolMaxConnections = %d, want 10", cfg.PoolMaxConnections)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("Timeout = %v, want 2m", cfg.Timeout)
	}
	if cfg.CacheMaxSize != 10485760 {
		t.Errorf("CacheMaxSize = %d, want 10MB", cfg.CacheMaxSize)
	}
	if cfg.GmailConfigured() || cfg.OutlookConfigured() {
		t.Error("OAuth clients must be disabled when unset")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("GMAIL_CLIENT_ID", "gid")
	t.Setenv("GMAIL_CLIENT_SECRET", "gsecret")
	t.Setenv("OUTLOOK_CLIENT_ID", "oid")
	t.Setenv("OUTLOOK_CLIENT_SECRET", "osecret")
	t.Setenv("OUTLOOK_TENANT", "contoso.onmicrosoft.com")
	t.Setenv("WEBHOOK_LISTEN", ":9999")
	t.Setenv("WEBHOOK_SECRET", "hush")
	t.Setenv("POOL_MAX_CONNECTIONS", "3")
	t.Setenv("POOL_MAX_IDLE_SECONDS", "120")
	t.Setenv("POOL_KEEPALIVE_SECONDS", "30")
	t.Setenv("EMAIL_TIMEOUT_SECONDS", "15")
	t.Setenv("CACHE_MAX_SIZE", "2048")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if !cfg.GmailConfigured() || !cfg.OutlookConfigured() {
		t.Error("OAuth clients should be enabled")
	}
	if cfg.OutlookTenant != "contoso.onmicrosoft.com" {
		t.Errorf("tenant = %q", cfg.OutlookTenant)
	}
	if cfg.WebhookListen != ":9999" || cfg.WebhookSecret != "hush" {
		t.Errorf("webhook = %q / %q", cfg.WebhookListen, cfg.WebhookSecret)
	}
	if cfg.PoolMaxConnections != 3 {
		t.Errorf("PoolMaxConnections = %d", cfg.PoolMaxConnections)
	}
	if cfg.PoolMaxIdle != 2*time.Minute || cfg.PoolKeepAlive != 30*time.Second {
		t.Errorf("pool durations = %v / %v", cfg.PoolMaxIdle, cfg.PoolKeepAlive)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.CacheMaxSize != 2048 {
		t.Errorf("CacheMaxSize = %d", cfg.CacheMaxSize)
	}
}

func TestLoadConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("POOL_MAX_CONNECTIONS", "many")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for non-numeric POOL_MAX_CONNECTIONS")
	}
}

func TestValidateRejectsInvertedPoolDurations(t *testing.T) {
	t.Setenv("POOL_MAX_IDLE_SECONDS", "30")
	t.Setenv("POOL_KEEPALIVE_SECONDS", "60")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error when keepalive exceeds max idle")
	}
}
