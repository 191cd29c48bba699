package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// IsTerminal returns true if the status is final. Terminal campaigns never
// transition back to running.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignStopped || s == CampaignFailed
}

// CanTransition reports whether the lifecycle allows moving to next.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case CampaignDraft:
		return next == CampaignRunning || next == CampaignFailed
	case CampaignRunning:
		return next == CampaignPaused || next == CampaignStopped ||
			next == CampaignCompleted || next == CampaignFailed
	case CampaignPaused:
		return next == CampaignRunning || next == CampaignStopped || next == CampaignFailed
	}
	return false
}

// Campaign is a bulk send job with its delivery configuration.
type Campaign struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	Name      string `json:"name" db:"name"`

	// Content. Subjects and templates are pools; the dispatcher rotates
	// through them per attempt for failover variation.
	Subjects     []string `json:"subjects"`
	HTMLTemplate string   `json:"html_template"`
	TextTemplate string   `json:"text_template"`
	FromName     string   `json:"from_name"`
	CC           []string `json:"cc"`
	BCC          []string `json:"bcc"`

	// Delivery knobs.
	BatchSize       int           `json:"batch_size"`
	BatchDelay      time.Duration `json:"batch_delay"`
	ThreadCount     int           `json:"thread_count"`
	RetryLimit      int           `json:"retry_limit"`
	RecipientFilter string        `json:"recipient_filter"` // optional expr
	RedirectDomains []string      `json:"redirect_domains"`
	ProxyHost       string        `json:"proxy_host"` // optional explicit proxy
	ProxyPort       int           `json:"proxy_port"`

	Status      CampaignStatus   `json:"status" db:"status"`
	Counters    CampaignCounters `json:"counters"`
	StartedAt   *time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time       `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// CampaignCounters aggregates per-campaign outcome counts.
// Invariant after termination: Sent == Success + Failed.
type CampaignCounters struct {
	Sent        int64 `json:"sent"`
	Success     int64 `json:"success"`
	Failed      int64 `json:"failed"`
	Retries     int64 `json:"retries"`
	Failovers   int64 `json:"failovers"`
	Deferred    int64 `json:"deferred"`
	RateLimited int64 `json:"rate_limited"`
	OAuthErrors int64 `json:"oauth_errors"`
	ProxyErrors int64 `json:"proxy_errors"`
	SMTPErrors  int64 `json:"smtp_errors"`
	Opened      int64 `json:"opened"`
	Clicked     int64 `json:"clicked"`
	Bounced     int64 `json:"bounced"`
}

// Recipient is a single delivery target. Read-only to the core.
type Recipient struct {
	Email     string            `json:"email"`
	FirstName string            `json:"first_name,omitempty"`
	LastName  string            `json:"last_name,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Domain returns the recipient's mail domain.
func (r Recipient) Domain() string {
	for i := len(r.Email) - 1; i >= 0; i-- {
		if r.Email[i] == '@' {
			return r.Email[i+1:]
		}
	}
	return ""
}
