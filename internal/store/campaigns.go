package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailplane/internal/domain"
)

// ErrCampaignNotFound reports an unknown campaign id within a session.
var ErrCampaignNotFound = errors.New("campaign not found")

// campaignConfig is the JSON blob persisted in campaigns.config.
type campaignConfig struct {
	Name            string   `json:"name"`
	Subjects        []string `json:"subjects"`
	HTMLTemplate    string   `json:"html_template"`
	TextTemplate    string   `json:"text_template"`
	FromName        string   `json:"from_name"`
	CC              []string `json:"cc,omitempty"`
	BCC             []string `json:"bcc,omitempty"`
	BatchSize       int      `json:"batch_size"`
	BatchDelaySecs  int      `json:"batch_delay_seconds"`
	ThreadCount     int      `json:"thread_count"`
	RetryLimit      int      `json:"retry_limit"`
	RecipientFilter string   `json:"recipient_filter,omitempty"`
	RedirectDomains []string `json:"redirect_domains,omitempty"`
	ProxyHost       string   `json:"proxy_host,omitempty"`
	ProxyPort       int      `json:"proxy_port,omitempty"`
}

// CreateCampaign inserts a campaign in draft status.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	cfg, err := json.Marshal(campaignConfig{
		Name:            c.Name,
		Subjects:        c.Subjects,
		HTMLTemplate:    c.HTMLTemplate,
		TextTemplate:    c.TextTemplate,
		FromName:        c.FromName,
		CC:              c.CC,
		BCC:             c.BCC,
		BatchSize:       c.BatchSize,
		BatchDelaySecs:  int(c.BatchDelay / time.Second),
		ThreadCount:     c.ThreadCount,
		RetryLimit:      c.RetryLimit,
		RecipientFilter: c.RecipientFilter,
		RedirectDomains: c.RedirectDomains,
		ProxyHost:       c.ProxyHost,
		ProxyPort:       c.ProxyPort,
	})
	if err != nil {
		return fmt.Errorf("marshal campaign config: %w", err)
	}
	counters, _ := json.Marshal(c.Counters)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, session_id, config, status, counters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, c.ID, c.SessionID, cfg, c.Status, counters)
	return err
}

// GetCampaign retrieves a campaign by id within a session.
func (s *Store) GetCampaign(ctx context.Context, sessionID, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var cfgRaw, countersRaw []byte
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, config, status, counters, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = $1 AND session_id = $2
	`, id, sessionID).Scan(&c.ID, &c.SessionID, &cfgRaw, &c.Status, &countersRaw,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrCampaignNotFound)
	}
	if err != nil {
		return nil, err
	}

	var cfg campaignConfig
	if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal campaign config: %w", err)
	}
	c.Name = cfg.Name
	c.Subjects = cfg.Subjects
	c.HTMLTemplate = cfg.HTMLTemplate
	c.TextTemplate = cfg.TextTemplate
	c.FromName = cfg.FromName
	c.CC = cfg.CC
	c.BCC = cfg.BCC
	c.BatchSize = cfg.BatchSize
	c.BatchDelay = time.Duration(cfg.BatchDelaySecs) * time.Second
	c.ThreadCount = cfg.ThreadCount
	c.RetryLimit = cfg.RetryLimit
	c.RecipientFilter = cfg.RecipientFilter
	c.RedirectDomains = cfg.RedirectDomains
	c.ProxyHost = cfg.ProxyHost
	c.ProxyPort = cfg.ProxyPort

	if len(countersRaw) > 0 {
		json.Unmarshal(countersRaw, &c.Counters)
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// TransitionCampaign moves a campaign between lifecycle states. The state
// machine is enforced in SQL so concurrent workers cannot race a terminal
// campaign back to running.
func (s *Store) TransitionCampaign(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	var res sql.Result
	var err error
	switch to {
	case domain.CampaignRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, to, from)
	case domain.CampaignCompleted, domain.CampaignStopped, domain.CampaignFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns SET status = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, to, from)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, to, from)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s not in %s state", id, from)
	}
	return nil
}

// SaveCampaignCounters persists the counter snapshot.
func (s *Store) SaveCampaignCounters(ctx context.Context, id string, counters domain.CampaignCounters) error {
	raw, err := json.Marshal(counters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE campaigns SET counters = $2, updated_at = NOW() WHERE id = $1
	`, id, raw)
	return err
}

// RecoverStuckCampaigns flips campaigns left in running/paused by a crashed
// process to failed. A live run bumps updated_at on every counter save, so
// only rows stale for longer than olderThan are swept; campaigns owned by
// other processes keep running. Returns the number of recovered rows.
func (s *Store) RecoverStuckCampaigns(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'failed', completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('running', 'paused')
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
	`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
