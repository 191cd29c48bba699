package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailplane/internal/domain"
)

// CreateSMTPAccount inserts a new SMTP account.
func (s *Store) CreateSMTPAccount(ctx context.Context, a *domain.SMTPAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AccountPending
	}
	cred, err := json.Marshal(a.Credential)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO smtp_accounts (id, session_id, host, port, email, credential, status,
			is_active, warmup_day, daily_sent, hourly_sent, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, a.ID, a.SessionID, a.Host, a.Port, a.Email, cred, a.Status,
		a.IsActive, a.WarmupDay, a.DailySent, a.HourlySent, a.Error)
	return err
}

// GetSMTPAccount retrieves one SMTP account by id within a session.
func (s *Store) GetSMTPAccount(ctx context.Context, sessionID, id string) (*domain.SMTPAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, host, port, email, credential, status, is_active,
			last_checked, response_time_ms, error, warmup_day, daily_sent, hourly_sent
		FROM smtp_accounts WHERE id = $1 AND session_id = $2
	`, id, sessionID)
	return scanSMTPAccount(row)
}

// ListSMTPAccounts returns all SMTP accounts for a session.
func (s *Store) ListSMTPAccounts(ctx context.Context, sessionID string) ([]*domain.SMTPAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, host, port, email, credential, status, is_active,
			last_checked, response_time_ms, error, warmup_day, daily_sent, hourly_sent
		FROM smtp_accounts WHERE session_id = $1 ORDER BY email
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.SMTPAccount
	for rows.Next() {
		a, err := scanSMTPAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListSendableSMTPAccounts returns active accounts in valid/checked status.
func (s *Store) ListSendableSMTPAccounts(ctx context.Context, sessionID string) ([]*domain.SMTPAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, host, port, email, credential, status, is_active,
			last_checked, response_time_ms, error, warmup_day, daily_sent, hourly_sent
		FROM smtp_accounts
		WHERE session_id = $1 AND is_active = true AND status IN ('valid', 'checked')
		ORDER BY email
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.SMTPAccount
	for rows.Next() {
		a, err := scanSMTPAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateSMTPAccountCheck records the outcome of a connection test.
func (s *Store) UpdateSMTPAccountCheck(ctx context.Context, id string, status domain.AccountStatus, responseTime time.Duration, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE smtp_accounts
		SET status = $2, last_checked = NOW(), response_time_ms = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, responseTime.Milliseconds(), errText)
	return err
}

// IncrementSMTPAccountSent bumps the daily and hourly sent counters.
func (s *Store) IncrementSMTPAccountSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE smtp_accounts
		SET daily_sent = daily_sent + 1, hourly_sent = hourly_sent + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// ResetDailyCounters zeroes daily_sent and advances warmup_day for every
// account in the session. Called at the configured day boundary.
func (s *Store) ResetDailyCounters(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE smtp_accounts
		SET daily_sent = 0, warmup_day = warmup_day + 1, updated_at = NOW()
		WHERE session_id = $1
	`, sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSMTPAccount(row rowScanner) (*domain.SMTPAccount, error) {
	a := &domain.SMTPAccount{}
	var cred []byte
	var lastChecked sql.NullTime
	var respMS sql.NullInt64
	err := row.Scan(&a.ID, &a.SessionID, &a.Host, &a.Port, &a.Email, &cred, &a.Status,
		&a.IsActive, &lastChecked, &respMS, &a.Error, &a.WarmupDay, &a.DailySent, &a.HourlySent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(cred) > 0 {
		if err := json.Unmarshal(cred, &a.Credential); err != nil {
			return nil, fmt.Errorf("unmarshal credential: %w", err)
		}
	}
	if lastChecked.Valid {
		a.LastChecked = &lastChecked.Time
	}
	if respMS.Valid {
		a.ResponseTime = time.Duration(respMS.Int64) * time.Millisecond
	}
	return a, nil
}

// CreateIMAPAccount inserts a new IMAP account.
func (s *Store) CreateIMAPAccount(ctx context.Context, a *domain.IMAPAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AccountPending
	}
	cred, err := json.Marshal(a.Credential)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO imap_accounts (id, session_id, host, port, email, credential, use_ssl,
			status, discovered, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, a.ID, a.SessionID, a.Host, a.Port, a.Email, cred, a.UseSSL, a.Status, a.Discovered, a.Error)
	return err
}

// GetIMAPAccount retrieves one IMAP account by id within a session.
func (s *Store) GetIMAPAccount(ctx context.Context, sessionID, id string) (*domain.IMAPAccount, error) {
	a := &domain.IMAPAccount{}
	var cred []byte
	var lastChecked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, host, port, email, credential, use_ssl, status, discovered, last_checked, error
		FROM imap_accounts WHERE id = $1 AND session_id = $2
	`, id, sessionID).Scan(&a.ID, &a.SessionID, &a.Host, &a.Port, &a.Email, &cred,
		&a.UseSSL, &a.Status, &a.Discovered, &lastChecked, &a.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(cred) > 0 {
		if err := json.Unmarshal(cred, &a.Credential); err != nil {
			return nil, fmt.Errorf("unmarshal credential: %w", err)
		}
	}
	if lastChecked.Valid {
		a.LastChecked = &lastChecked.Time
	}
	return a, nil
}

// UpdateIMAPAccountCheck records the outcome of a mailbox probe.
func (s *Store) UpdateIMAPAccountCheck(ctx context.Context, id string, status domain.AccountStatus, discovered bool, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE imap_accounts
		SET status = $2, discovered = $3, last_checked = NOW(), error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, discovered, errText)
	return err
}
