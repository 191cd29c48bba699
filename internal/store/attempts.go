package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/mailplane/internal/domain"
)

// AppendAttempt writes one send attempt to the append-only log.
func (s *Store) AppendAttempt(ctx context.Context, a *domain.SendAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_attempts (id, campaign_id, email, account_id, proxy_id,
			started_at, ended_at, outcome, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, a.ID, a.CampaignID, a.Email, a.AccountID, a.ProxyID,
		a.StartedAt, a.EndedAt, a.Outcome, a.Error)
	return err
}

// ListAttempts returns the attempt trace for one recipient in a campaign,
// oldest first.
func (s *Store) ListAttempts(ctx context.Context, campaignID, email string) ([]domain.SendAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, email, account_id, proxy_id, started_at, ended_at, outcome, error
		FROM send_attempts
		WHERE campaign_id = $1 AND email = $2
		ORDER BY started_at ASC
	`, campaignID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.SendAttempt
	for rows.Next() {
		var a domain.SendAttempt
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.Email, &a.AccountID, &a.ProxyID,
			&a.StartedAt, &a.EndedAt, &a.Outcome, &a.Error); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// AppendDeadLetter persists a dead-letter record with its full attempt trace.
func (s *Store) AppendDeadLetter(ctx context.Context, d *domain.DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	attempts, err := json.Marshal(d.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, campaign_id, email, attempts_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, d.ID, d.CampaignID, d.Email, attempts)
	return err
}

// ListDeadLetters returns all dead letters for a campaign, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, campaignID string) ([]*domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, email, attempts_json, created_at
		FROM dead_letters WHERE campaign_id = $1 ORDER BY created_at DESC
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*domain.DeadLetter
	for rows.Next() {
		d := &domain.DeadLetter{}
		var attempts []byte
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.Email, &attempts, &d.CreatedAt); err != nil {
			return nil, err
		}
		if len(attempts) > 0 {
			if err := json.Unmarshal(attempts, &d.Attempts); err != nil {
				return nil, fmt.Errorf("unmarshal attempts: %w", err)
			}
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}
