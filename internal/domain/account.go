package domain

import (
	"strings"
	"time"
)

// AccountStatus enumerates the lifecycle states of a mail account.
type AccountStatus string

const (
	AccountPending AccountStatus = "pending"
	AccountValid   AccountStatus = "valid"
	AccountInvalid AccountStatus = "invalid"
	AccountDead    AccountStatus = "dead"
	AccountChecked AccountStatus = "checked"
)

// CredentialKind distinguishes password auth from OAuth refresh tokens.
type CredentialKind string

const (
	CredentialPassword CredentialKind = "password"
	CredentialOAuth    CredentialKind = "oauth"
)

// Credential holds either a password or an OAuth refresh token pair.
type Credential struct {
	Kind         CredentialKind `json:"kind"`
	Password     string         `json:"password,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	TokenURL     string         `json:"token_url,omitempty"`
}

// SMTPAccount is a sending identity owned by a tenant session.
type SMTPAccount struct {
	ID           string        `json:"id" db:"id"`
	SessionID    string        `json:"session_id" db:"session_id"`
	Host         string        `json:"host" db:"host"` // empty means resolve via MX
	Port         int           `json:"port" db:"port"`
	Email        string        `json:"email" db:"email"`
	Credential   Credential    `json:"credential" db:"credential"`
	Status       AccountStatus `json:"status" db:"status"`
	IsActive     bool          `json:"is_active" db:"is_active"`
	LastChecked  *time.Time    `json:"last_checked" db:"last_checked"`
	ResponseTime time.Duration `json:"response_time" db:"response_time"`
	Error        string        `json:"error" db:"error"`

	WarmupDay  int `json:"warmup_day" db:"warmup_day"`
	DailySent  int `json:"daily_sent" db:"daily_sent"`
	HourlySent int `json:"hourly_sent" db:"hourly_sent"`
}

// Sendable reports whether the account may be picked for a send.
func (a *SMTPAccount) Sendable() bool {
	return a.IsActive && (a.Status == AccountValid || a.Status == AccountChecked)
}

// Domain returns the sender domain of the account address.
func (a *SMTPAccount) Domain() string {
	if i := strings.LastIndex(a.Email, "@"); i >= 0 {
		return strings.ToLower(a.Email[i+1:])
	}
	return ""
}

// IMAPAccount is a mailbox identity consumed by the prober.
type IMAPAccount struct {
	ID          string        `json:"id" db:"id"`
	SessionID   string        `json:"session_id" db:"session_id"`
	Host        string        `json:"host" db:"host"`
	Port        int           `json:"port" db:"port"`
	Email       string        `json:"email" db:"email"`
	Credential  Credential    `json:"credential" db:"credential"`
	UseSSL      bool          `json:"use_ssl" db:"use_ssl"`
	Status      AccountStatus `json:"status" db:"status"`
	Discovered  bool          `json:"discovered" db:"discovered"`
	LastChecked *time.Time    `json:"last_checked" db:"last_checked"`
	Error       string        `json:"error" db:"error"`
}

// Domain returns the mailbox domain of the account address.
func (a *IMAPAccount) Domain() string {
	if i := strings.LastIndex(a.Email, "@"); i >= 0 {
		return strings.ToLower(a.Email[i+1:])
	}
	return ""
}

// Session is the tenant isolation boundary: accounts, proxies and campaigns
// are scoped to one session.
type Session struct {
	ID             string `json:"id"`
	ProxyForce     bool   `json:"proxy_force"`
	LeakPrevention bool   `json:"leak_prevention"`
}
