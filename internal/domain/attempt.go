package domain

import "time"

// AttemptOutcome classifies the result of one send attempt.
type AttemptOutcome string

const (
	OutcomeSuccess  AttemptOutcome = "success"
	OutcomeFailed   AttemptOutcome = "failed"
	OutcomeDeferred AttemptOutcome = "deferred"
	OutcomeStopped  AttemptOutcome = "stopped"
)

// SendAttempt is one append-only record of a delivery attempt.
// An attempt exists only when exactly one account was selected and, under
// leak prevention, exactly one proxy.
type SendAttempt struct {
	ID         string         `json:"id" db:"id"`
	CampaignID string         `json:"campaign_id" db:"campaign_id"`
	Email      string         `json:"email" db:"email"`
	AccountID  string         `json:"account_id" db:"account_id"`
	ProxyID    string         `json:"proxy_id" db:"proxy_id"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	EndedAt    time.Time      `json:"ended_at" db:"ended_at"`
	Outcome    AttemptOutcome `json:"outcome" db:"outcome"`
	Error      string         `json:"error" db:"error"`
}

// DeadLetter records a recipient whose retries were exhausted, with the full
// attempt trace for diagnosis.
type DeadLetter struct {
	ID         string        `json:"id" db:"id"`
	CampaignID string        `json:"campaign_id" db:"campaign_id"`
	Email      string        `json:"email" db:"email"`
	Attempts   []SendAttempt `json:"attempts"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}
