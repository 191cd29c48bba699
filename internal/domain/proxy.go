package domain

import (
	"fmt"
	"time"
)

// ProxyKind enumerates supported tunnel protocols.
type ProxyKind string

const (
	ProxySOCKS5 ProxyKind = "socks5"
	ProxySOCKS4 ProxyKind = "socks4"
	ProxyHTTP   ProxyKind = "http"
)

// ProxyStatus enumerates proxy health states.
type ProxyStatus string

const (
	ProxyPending     ProxyStatus = "pending"
	ProxyValid       ProxyStatus = "valid"
	ProxyDead        ProxyStatus = "dead"
	ProxyBlacklisted ProxyStatus = "blacklisted"
)

// Proxy is an upstream tunnel endpoint owned by a session.
type Proxy struct {
	ID            string        `json:"id" db:"id"`
	SessionID     string        `json:"session_id" db:"session_id"`
	Kind          ProxyKind     `json:"kind" db:"kind"`
	Host          string        `json:"host" db:"host"`
	Port          int           `json:"port" db:"port"`
	Username      string        `json:"username" db:"username"`
	Password      string        `json:"password" db:"password"`
	Status        ProxyStatus   `json:"status" db:"status"`
	IsActive      bool          `json:"is_active" db:"is_active"`
	IsBlacklisted bool          `json:"is_blacklisted" db:"is_blacklisted"`
	LastChecked   *time.Time    `json:"last_checked" db:"last_checked"`
	ResponseTime  time.Duration `json:"response_time" db:"response_time"`
	Error         string        `json:"error" db:"error"`
}

// Addr returns the host:port dial address of the proxy.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Usable reports whether the proxy may be handed out for tunneling.
func (p *Proxy) Usable() bool {
	return p.IsActive && !p.IsBlacklisted && p.Status == ProxyValid
}
