package provider

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/unimail/unimail/pkg/imappool"
	"github.com/unimail/unimail/pkg/storage"
)

// Detection is the factory's verdict for an address. Confidence is advisory:
// callers below a threshold should prompt the user for manual server
// settings instead of trusting the guess.
type Detection struct {
	Kind       Kind
	Confidence float64
	IMAP       *IMAPServerConfig
}

// IMAPServerConfig carries detected (or guessed) server settings for the
// IMAP variant.
type IMAPServerConfig struct {
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

// oauthDomains maps domains served by an OAuth provider. Exact match,
// confidence 1.0.
var oauthDomains = map[string]Kind{
	"gmail.com":      KindGmail,
	"googlemail.com": KindGmail,
	"outlook.com":    KindOutlook,
	"hotmail.com":    KindOutlook,
	"live.com":       KindOutlook,
	"msn.com":        KindOutlook,
	"office365.com":  KindOutlook,
}

// knownIMAPHosts maps domains with well-known IMAP/SMTP endpoints.
// Confidence 0.9.
var knownIMAPHosts = map[string]IMAPServerConfig{
	"yahoo.com":  {IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993, SMTPHost: "smtp.mail.yahoo.com", SMTPPort: 587},
	"aol.com":    {IMAPHost: "imap.aol.com", IMAPPort: 993, SMTPHost: "smtp.aol.com", SMTPPort: 587},
	"icloud.com": {IMAPHost: "imap.mail.me.com", IMAPPort: 993, SMTPHost: "smtp.mail.me.com", SMTPPort: 587},
	"me.com":     {IMAPHost: "imap.mail.me.com", IMAPPort: 993, SMTPHost: "smtp.mail.me.com", SMTPPort: 587},
	"gmx.com":    {IMAPHost: "imap.gmx.com", IMAPPort: 993, SMTPHost: "mail.gmx.com", SMTPPort: 587},
	"zoho.com":   {IMAPHost: "imap.zoho.com", IMAPPort: 993, SMTPHost: "smtp.zoho.com", SMTPPort: 587},
	"fastmail.com": {
		IMAPHost: "imap.fastmail.com", IMAPPort: 993,
		SMTPHost: "smtp.fastmail.com", SMTPPort: 587,
	},
}

// brandSubstrings catches hosted domains that embed a provider brand, e.g.
// corp mail on Google Workspace routed through a gmail.* domain alias.
// Confidence 0.8.
var brandSubstrings = []struct {
	substr string
	kind   Kind
}{
	{"gmail", KindGmail},
	{"google", KindGmail},
	{"outlook", KindOutlook},
	{"hotmail", KindOutlook},
	{"office365", KindOutlook},
}

// DetectProvider decides which variant serves an address. It never does
// DNS or MX lookups; a low-confidence guess is the caller's cue to ask the
// user. Resolution order: exact OAuth domain (1.0), known IMAP host (0.9),
// brand substring (0.8), generic imap.<domain>/smtp.<domain> guess (0.3).
func DetectProvider(address string) Detection {
	domain := ""
	if at := strings.LastIndex(address, "@"); at >= 0 {
		domain = strings.ToLower(strings.TrimSpace(address[at+1:]))
	}
	if domain == "" {
		return Detection{Kind: KindIMAP, Confidence: 0}
	}

	if kind, ok := oauthDomains[domain]; ok {
		return Detection{Kind: kind, Confidence: 1.0}
	}
	if cfg, ok := knownIMAPHosts[domain]; ok {
		return Detection{Kind: KindIMAP, Confidence: 0.9, IMAP: &cfg}
	}
	for _, b := range brandSubstrings {
		if strings.Contains(domain, b.substr) {
			return Detection{Kind: b.kind, Confidence: 0.8}
		}
	}
	return Detection{
		Kind:       KindIMAP,
		Confidence: 0.3,
		IMAP: &IMAPServerConfig{
			IMAPHost: "imap." + domain, IMAPPort: 993,
			SMTPHost: "smtp." + domain, SMTPPort: 587,
		},
	}
}

// FactoryConfig aggregates everything New needs to build any variant.
type FactoryConfig struct {
	Gmail   *GmailConfig
	Outlook *OutlookConfig
	// IMAP credentials for the address; server settings may come from the
	// detection when not set explicitly.
	IMAP *IMAPConfig

	Pool            *imappool.Pool
	AttachmentCache *storage.AttachmentCache
	Logger          zerolog.Logger
}

// New constructs the provider variant the detection picked.
func New(d Detection, cfg FactoryConfig) (Provider, error) {
	switch d.Kind {
	case KindGmail:
		if cfg.Gmail == nil {
			return nil, fmt.Errorf("gmail OAuth client not configured")
		}
		return NewGmailProvider(cfg.Gmail, cfg.Logger), nil

	case KindOutlook:
		if cfg.Outlook == nil {
			return nil, fmt.Errorf("outlook OAuth client not configured")
		}
		return NewOutlookProvider(cfg.Outlook, cfg.Logger), nil

	case KindIMAP:
		if cfg.IMAP == nil {
			return nil, fmt.Errorf("imap credentials not configured")
		}
		if cfg.Pool == nil {
			return nil, fmt.Errorf("imap connection pool not configured")
		}
		imapCfg := *cfg.IMAP
		if imapCfg.IMAPHost == "" && d.IMAP != nil {
			imapCfg.IMAPHost = d.IMAP.IMAPHost
			imapCfg.IMAPPort = d.IMAP.IMAPPort
			imapCfg.SMTPHost = d.IMAP.SMTPHost
			imapCfg.SMTPPort = d.IMAP.SMTPPort
		}
		if imapCfg.IMAPHost == "" {
			return nil, fmt.Errorf("no IMAP server settings for %s", imapCfg.Email)
		}
		return NewIMAPProvider(imapCfg, cfg.Pool, cfg.AttachmentCache, cfg.Logger), nil

	default:
		return nil, fmt.Errorf("unknown provider kind: %s", d.Kind)
	}
}
