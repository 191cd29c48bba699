package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailplane/internal/domain"
)

// CreateProxy inserts a proxy server row.
func (s *Store) CreateProxy(ctx context.Context, p *domain.Proxy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.ProxyPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_servers (id, session_id, kind, host, port, username, password,
			status, is_active, is_blacklisted, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, p.ID, p.SessionID, p.Kind, p.Host, p.Port, p.Username, p.Password,
		p.Status, p.IsActive, p.IsBlacklisted, p.Error)
	return err
}

// ListProxies returns every proxy for a session.
func (s *Store) ListProxies(ctx context.Context, sessionID string) ([]*domain.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, host, port, username, password, status,
			is_active, is_blacklisted, last_checked, response_time_ms, error
		FROM proxy_servers WHERE session_id = $1 ORDER BY response_time_ms NULLS LAST
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*domain.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// ListWorkingProxies returns valid, active, non-blacklisted proxies ordered by
// ascending response time.
func (s *Store) ListWorkingProxies(ctx context.Context, sessionID string) ([]*domain.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, host, port, username, password, status,
			is_active, is_blacklisted, last_checked, response_time_ms, error
		FROM proxy_servers
		WHERE session_id = $1 AND status = 'valid' AND is_active = true AND is_blacklisted = false
		ORDER BY response_time_ms ASC NULLS LAST
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*domain.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// UpdateProxyProbe records a probe outcome.
func (s *Store) UpdateProxyProbe(ctx context.Context, id string, status domain.ProxyStatus, responseTime time.Duration, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_servers
		SET status = $2, last_checked = NOW(), response_time_ms = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, responseTime.Milliseconds(), errText)
	return err
}

// BlacklistProxy flips a proxy to blacklisted with the oracle's reason.
func (s *Store) BlacklistProxy(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_servers
		SET status = 'blacklisted', is_blacklisted = true, error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	return err
}

func scanProxy(row rowScanner) (*domain.Proxy, error) {
	p := &domain.Proxy{}
	var lastChecked sql.NullTime
	var respMS sql.NullInt64
	err := row.Scan(&p.ID, &p.SessionID, &p.Kind, &p.Host, &p.Port, &p.Username, &p.Password,
		&p.Status, &p.IsActive, &p.IsBlacklisted, &lastChecked, &respMS, &p.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		p.LastChecked = &lastChecked.Time
	}
	if respMS.Valid {
		p.ResponseTime = time.Duration(respMS.Int64) * time.Millisecond
	}
	return p, nil
}
