// Package proxypool hands out working proxies and tunneled sockets. It is the
// sole egress path for SMTP and IMAP traffic when leak prevention is on.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ignite/mailplane/internal/config"
	"github.com/ignite/mailplane/internal/domain"
	"github.com/ignite/mailplane/internal/metrics"
	"github.com/ignite/mailplane/internal/pkg/logger"
)

// ErrProxyUnavailable is returned when no working proxy exists for a session.
var ErrProxyUnavailable = fmt.Errorf("no working proxy available")

// Strategy selects how get_working picks among valid proxies.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyFastest    Strategy = "fastest"
	StrategyRoundRobin Strategy = "round_robin"
)

// BlacklistOracle answers whether an egress IP is on a blacklist.
type BlacklistOracle interface {
	Lookup(ctx context.Context, ip string) (listed bool, reason string, err error)
}

// ProxyStore is the persistence surface the pool needs.
type ProxyStore interface {
	ListProxies(ctx context.Context, sessionID string) ([]*domain.Proxy, error)
	ListWorkingProxies(ctx context.Context, sessionID string) ([]*domain.Proxy, error)
	UpdateProxyProbe(ctx context.Context, id string, status domain.ProxyStatus, responseTime time.Duration, errText string) error
	BlacklistProxy(ctx context.Context, id, reason string) error
}

// Pool maintains proxy health per session and opens tunnels on demand.
type Pool struct {
	store  ProxyStore
	tun    SocketFactory
	prober *Prober
	oracle BlacklistOracle
	cfg    config.ProxyConfig

	mu       sync.Mutex
	cache    map[string]cacheEntry // proxy id -> last probe
	rrIndex  map[string]int        // session id -> round-robin cursor
	failures map[string]int        // proxy id -> consecutive open_tunnel failures
	rng      *rand.Rand

	now func() time.Time
}

type cacheEntry struct {
	status  domain.ProxyStatus
	latency time.Duration
	at      time.Time
}

// New creates a pool backed by store. prober may be nil when probing is
// driven externally.
func New(store ProxyStore, tun SocketFactory, prober *Prober, cfg config.ProxyConfig) *Pool {
	return &Pool{
		store:    store,
		tun:      tun,
		prober:   prober,
		cfg:      cfg,
		cache:    make(map[string]cacheEntry),
		rrIndex:  make(map[string]int),
		failures: make(map[string]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// UseBlacklistOracle makes Refresh cross-check each successful probe's
// observed egress IP against the oracle; hits flip the proxy to blacklisted.
func (p *Pool) UseBlacklistOracle(o BlacklistOracle) {
	p.oracle = o
}

// ListWorking returns the session's valid proxies ordered by ascending
// response time. Cached probe results newer than the TTL take precedence over
// the stored status.
func (p *Pool) ListWorking(ctx context.Context, sessionID string) ([]*domain.Proxy, error) {
	proxies, err := p.store.ListWorkingProxies(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list working proxies: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := proxies[:0]
	for _, pr := range proxies {
		if e, ok := p.cache[pr.ID]; ok && p.now().Sub(e.at) < p.cfg.CacheTTL() {
			if e.status != domain.ProxyValid {
				continue
			}
			pr.ResponseTime = e.latency
		}
		out = append(out, pr)
	}
	metrics.WorkingProxies.WithLabelValues(sessionID).Set(float64(len(out)))
	return out, nil
}

// GetWorking returns one working proxy per the strategy, or
// ErrProxyUnavailable.
func (p *Pool) GetWorking(ctx context.Context, sessionID string, strategy Strategy) (*domain.Proxy, error) {
	proxies, err := p.ListWorking(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, ErrProxyUnavailable
	}

	switch strategy {
	case StrategyFastest:
		return proxies[0], nil // already ordered by response time
	case StrategyRoundRobin:
		p.mu.Lock()
		idx := p.rrIndex[sessionID] % len(proxies)
		p.rrIndex[sessionID]++
		p.mu.Unlock()
		return proxies[idx], nil
	case StrategyRandom, "":
		p.mu.Lock()
		idx := p.rng.Intn(len(proxies))
		p.mu.Unlock()
		return proxies[idx], nil
	default:
		return nil, fmt.Errorf("unknown proxy strategy %q", strategy)
	}
}

// OpenTunnel opens a socket to target through the proxy. Failures are counted
// per proxy; after the configured threshold of consecutive failures the proxy
// is escalated to dead. A success resets the count.
func (p *Pool) OpenTunnel(ctx context.Context, pr *domain.Proxy, targetHost string, targetPort int) (net.Conn, error) {
	conn, err := p.tun.OpenTunnel(ctx, pr, targetHost, targetPort)
	if err != nil {
		p.recordTunnelFailure(ctx, pr, err)
		return nil, err
	}

	p.mu.Lock()
	p.failures[pr.ID] = 0
	p.mu.Unlock()
	return conn, nil
}

// DialDirect exposes the factory's direct path so callers outside the pool
// share the same leak-prevention guard.
func (p *Pool) DialDirect(ctx context.Context, targetHost string, targetPort int) (net.Conn, error) {
	return p.tun.DialDirect(ctx, targetHost, targetPort)
}

func (p *Pool) recordTunnelFailure(ctx context.Context, pr *domain.Proxy, cause error) {
	p.mu.Lock()
	p.failures[pr.ID]++
	n := p.failures[pr.ID]
	p.mu.Unlock()

	if p.cfg.FailureThreshold > 0 && n >= p.cfg.FailureThreshold {
		logger.Warn("proxy escalated to dead after repeated tunnel failures",
			"proxy", pr.Addr(), "failures", n)
		if err := p.store.UpdateProxyProbe(ctx, pr.ID, domain.ProxyDead, pr.ResponseTime, cause.Error()); err != nil {
			logger.Error("failed to mark proxy dead", "proxy", pr.Addr(), "error", err.Error())
		}
		p.mu.Lock()
		p.cache[pr.ID] = cacheEntry{status: domain.ProxyDead, at: p.now()}
		p.mu.Unlock()
	}
}

// Refresh probes every proxy of the session with bounded concurrency and
// persists the outcomes. force bypasses the probe cache.
func (p *Pool) Refresh(ctx context.Context, sessionID string, force bool) error {
	if p.prober == nil {
		return fmt.Errorf("pool has no prober configured")
	}
	proxies, err := p.store.ListProxies(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list proxies: %w", err)
	}

	sem := make(chan struct{}, p.cfg.ProbeConcurrency)
	var wg sync.WaitGroup
	for _, pr := range proxies {
		if pr.IsBlacklisted || !pr.IsActive {
			continue
		}
		if !force {
			p.mu.Lock()
			e, ok := p.cache[pr.ID]
			p.mu.Unlock()
			if ok && p.now().Sub(e.at) < p.cfg.CacheTTL() {
				continue
			}
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(pr *domain.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			p.probeOne(ctx, pr)
		}(pr)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) probeOne(ctx context.Context, pr *domain.Proxy) {
	res := p.prober.Probe(ctx, pr)
	metrics.ProxyProbeDuration.Observe(res.Latency.Seconds())

	status := domain.ProxyValid
	errText := ""
	if res.Err != nil {
		status = domain.ProxyDead
		errText = res.Err.Error()
	} else if p.oracle != nil {
		listed, reason, err := p.oracle.Lookup(ctx, res.ObservedIP)
		switch {
		case err != nil:
			logger.Warn("blacklist lookup failed",
				"proxy", pr.Addr(), "ip", res.ObservedIP, "error", err.Error())
		case listed:
			logger.Warn("proxy egress ip is blacklisted",
				"proxy", pr.Addr(), "ip", res.ObservedIP, "list", reason)
			if err := p.store.BlacklistProxy(ctx, pr.ID, reason); err != nil {
				logger.Error("failed to blacklist proxy", "proxy", pr.Addr(), "error", err.Error())
			}
			p.mu.Lock()
			p.cache[pr.ID] = cacheEntry{status: domain.ProxyBlacklisted, at: p.now()}
			p.mu.Unlock()
			return
		}
	}

	if err := p.store.UpdateProxyProbe(ctx, pr.ID, status, res.Latency, errText); err != nil {
		logger.Error("failed to persist probe result", "proxy", pr.Addr(), "error", err.Error())
		return
	}

	p.mu.Lock()
	p.cache[pr.ID] = cacheEntry{status: status, latency: res.Latency, at: p.now()}
	if status == domain.ProxyValid {
		p.failures[pr.ID] = 0
	}
	p.mu.Unlock()

	logger.Debug("proxy probed",
		"proxy", pr.Addr(), "status", string(status), "latency_ms", res.Latency.Milliseconds())
}

// VerifySecurity runs the IP-consistency check over the session's working
// set: each proxy is probed against every echo endpoint and marked dead when
// the observed egress addresses disagree. Returns the number of violations.
func (p *Pool) VerifySecurity(ctx context.Context, sessionID string) (int, error) {
	if p.prober == nil {
		return 0, fmt.Errorf("pool has no prober configured")
	}
	proxies, err := p.ListWorking(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	violations := 0
	for _, pr := range proxies {
		consistent, ips, err := p.prober.CheckIPConsistency(ctx, pr)
		if err != nil {
			logger.Warn("ip consistency check failed", "proxy", pr.Addr(), "error", err.Error())
			continue
		}
		if consistent {
			continue
		}
		violations++
		errText := fmt.Sprintf("inconsistent egress ips: %v", ips)
		logger.Warn("proxy failed ip consistency check", "proxy", pr.Addr(), "ips", fmt.Sprint(ips))
		if err := p.store.UpdateProxyProbe(ctx, pr.ID, domain.ProxyDead, pr.ResponseTime, errText); err != nil {
			logger.Error("failed to mark proxy dead", "proxy", pr.Addr(), "error", err.Error())
		}
		p.mu.Lock()
		p.cache[pr.ID] = cacheEntry{status: domain.ProxyDead, at: p.now()}
		p.mu.Unlock()
	}
	return violations, nil
}

// Blacklist marks the proxy blacklisted and evicts it from the cache.
func (p *Pool) Blacklist(ctx context.Context, proxyID, reason string) error {
	if err := p.store.BlacklistProxy(ctx, proxyID, reason); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.cache, proxyID)
	p.mu.Unlock()
	return nil
}
