package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mailplane/internal/domain"
)

// ProbeResult is the outcome of one proxy health probe.
type ProbeResult struct {
	OK         bool
	ObservedIP string
	Latency    time.Duration
	Err        error
}

// Prober checks proxy health by fetching echo endpoints through the proxy
// and reading back the observed egress IP.
type Prober struct {
	tun      SocketFactory
	testURLs []string
	timeout  time.Duration

	now func() time.Time
}

// NewProber creates a prober that tries testURLs in order until one answers.
func NewProber(tun SocketFactory, testURLs []string, timeout time.Duration) *Prober {
	return &Prober{
		tun:      tun,
		testURLs: testURLs,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Probe fetches an echo endpoint through the proxy and returns latency plus
// the IP the far side observed. All endpoints failing marks the probe failed
// with the last error.
func (pb *Prober) Probe(ctx context.Context, pr *domain.Proxy) ProbeResult {
	var lastErr error
	for _, u := range pb.testURLs {
		res := pb.probeURL(ctx, pr, u)
		if res.Err == nil {
			return res
		}
		lastErr = res.Err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no probe URLs configured")
	}
	return ProbeResult{Err: lastErr}
}

func (pb *Prober) probeURL(ctx context.Context, pr *domain.Proxy, url string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, pb.timeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, portStr, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return nil, err
				}
				return pb.tun.OpenTunnel(ctx, pr, host, port)
			},
			DisableKeepAlives: true,
		},
		Timeout: pb.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Err: err}
	}

	start := pb.now()
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("probe %s via %s: %w", url, pr.Addr(), err)}
	}
	defer resp.Body.Close()
	latency := pb.now().Sub(start)

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{Err: fmt.Errorf("probe %s via %s: status %d", url, pr.Addr(), resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ProbeResult{Err: fmt.Errorf("probe %s via %s: read body: %w", url, pr.Addr(), err)}
	}

	ip := parseObservedIP(body)
	if ip == "" {
		return ProbeResult{Err: fmt.Errorf("probe %s via %s: no IP in response", url, pr.Addr())}
	}
	return ProbeResult{OK: true, ObservedIP: ip, Latency: latency}
}

// parseObservedIP accepts the two echo formats in the wild: a bare address
// and JSON with an "ip" field.
func parseObservedIP(body []byte) string {
	text := strings.TrimSpace(string(body))
	if net.ParseIP(text) != nil {
		return text
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && net.ParseIP(payload.IP) != nil {
		return payload.IP
	}
	return ""
}

// CheckIPConsistency probes every configured echo endpoint through the proxy
// and collects the distinct egress addresses observed. More than one distinct
// address means the proxy is routing traffic inconsistently, which callers
// treat as a security violation. At least one endpoint must answer.
func (pb *Prober) CheckIPConsistency(ctx context.Context, pr *domain.Proxy) (bool, []string, error) {
	seen := make(map[string]bool)
	var ips []string
	var lastErr error
	for _, u := range pb.testURLs {
		res := pb.probeURL(ctx, pr, u)
		if res.Err != nil {
			lastErr = res.Err
			continue
		}
		if !seen[res.ObservedIP] {
			seen[res.ObservedIP] = true
			ips = append(ips, res.ObservedIP)
		}
	}
	if len(ips) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no probe URLs configured")
		}
		return false, nil, lastErr
	}
	return len(ips) == 1, ips, nil
}

// VerifyEgressIP probes the proxy and reports whether the observed egress
// address matches the proxy host, flagging transparent or misrouting proxies.
func (pb *Prober) VerifyEgressIP(ctx context.Context, pr *domain.Proxy) (bool, string, error) {
	res := pb.Probe(ctx, pr)
	if res.Err != nil {
		return false, "", res.Err
	}
	// Exit node may legitimately differ from the entry host; a match on
	// either the configured host or its resolved addresses counts.
	if res.ObservedIP == pr.Host {
		return true, res.ObservedIP, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, pr.Host)
	if err == nil {
		for _, a := range addrs {
			if a == res.ObservedIP {
				return true, res.ObservedIP, nil
			}
		}
	}
	return false, res.ObservedIP, nil
}
