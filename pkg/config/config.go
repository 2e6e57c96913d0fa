// Package config loads the daemon's configuration from environment
// variables. OAuth client settings are optional: an unset client simply
// disables that provider variant.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// OAuthClient holds one OAuth application's settings.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Config is the full environment-derived configuration.
type Config struct {
	// OAuth providers
	Gmail          OAuthClient
	GmailProjectID string
	Outlook        OAuthClient
	OutlookTenant  string

	// Webhook ingestion
	WebhookSecret string
	WebhookListen string

	// IMAP connection pool
	PoolMaxConnections int
	PoolMaxIdle        time.Duration
	PoolKeepAlive      time.Duration

	// Per-operation network timeout
	TimeoutSeconds int
	Timeout        time.Duration

	// Attachment cache
	FilesRoot    string
	CacheMaxSize int64
}

// LoadConfig reads configuration from environment variables, applying
// defaults where the variable is unset.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		WebhookListen:      ":8080",
		PoolMaxConnections: 10,
		PoolMaxIdle:        5 * time.Minute,
		PoolKeepAlive:      time.Minute,
		TimeoutSeconds:     120,
		FilesRoot:          "/tmp/unimail",
		CacheMaxSize:       10485760, // 10MB default
	}

	cfg.Gmail = OAuthClient{
		ClientID:     os.Getenv("GMAIL_CLIENT_ID"),
		ClientSecret: os.Getenv("GMAIL_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GMAIL_REDIRECT_URL"),
	}
	cfg.GmailProjectID = os.Getenv("GMAIL_PROJECT_ID")

	cfg.Outlook = OAuthClient{
		ClientID:     os.Getenv("OUTLOOK_CLIENT_ID"),
		ClientSecret: os.Getenv("OUTLOOK_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("OUTLOOK_REDIRECT_URL"),
	}
	cfg.OutlookTenant = os.Getenv("OUTLOOK_TENANT")

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	if listen := os.Getenv("WEBHOOK_LISTEN"); listen != "" {
		cfg.WebhookListen = listen
	}

	if v := os.Getenv("POOL_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POOL_MAX_CONNECTIONS: %w", err)
		}
		cfg.PoolMaxConnections = n
	}
	if v := os.Getenv("POOL_MAX_IDLE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POOL_MAX_IDLE_SECONDS: %w", err)
		}
		cfg.PoolMaxIdle = time.Duration(n) * time.Second
	}
	if v := os.Getenv("POOL_KEEPALIVE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POOL_KEEPALIVE_SECONDS: %w", err)
		}
		cfg.PoolKeepAlive = time.Duration(n) * time.Second
	}

	if v := os.Getenv("EMAIL_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_TIMEOUT_SECONDS: %w", err)
		}
		cfg.TimeoutSeconds = n
	}
	cfg.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second

	if root := os.Getenv("FILES_ROOT"); root != "" {
		cfg.FilesRoot = root
	}
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_MAX_SIZE: %w", err)
		}
		cfg.CacheMaxSize = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GmailConfigured reports whether the Gmail OAuth client is usable.
func (c *Config) GmailConfigured() bool {
	return c.Gmail.ClientID != "" && c.Gmail.ClientSecret != ""
}

// OutlookConfigured reports whether the Outlook OAuth client is usable.
func (c *Config) OutlookConfigured() bool {
	return c.Outlook.ClientID != "" && c.Outlook.ClientSecret != ""
}

// Validate checks startup-time invariants.
func (c *Config) Validate() error {
	if c.PoolMaxConnections <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	if c.PoolMaxIdle <= 0 || c.PoolKeepAlive <= 0 {
		return fmt.Errorf("pool idle and keepalive durations must be positive")
	}
	if c.PoolKeepAlive >= c.PoolMaxIdle {
		return fmt.Errorf("POOL_KEEPALIVE_SECONDS must be below POOL_MAX_IDLE_SECONDS")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("invalid timeout")
	}
	if c.CacheMaxSize <= 0 {
		return fmt.Errorf("invalid cache size")
	}
	return nil
}
