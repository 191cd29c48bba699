package campaign

import (
	"math/rand"
	"time"

	"github.com/ignite/mailplane/internal/domain"
)

// Backoff returns the exponential backoff with full jitter for a retry
// attempt (0-based): random in (0, base·2^attempt], capped.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	if cap > 0 && d > cap {
		d = cap
	}
	if d <= 0 {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d))) + time.Millisecond
}

// pairKey identifies one (account, proxy) combination. Proxyless attempts
// use an empty proxy id.
type pairKey struct {
	accountID string
	proxyID   string
}

// PairRotation tracks which (account, proxy) pairs a recipient has already
// consumed, so each retry uses a distinct pair while pairs remain.
type PairRotation struct {
	tried map[pairKey]bool
}

// NewPairRotation creates an empty rotation.
func NewPairRotation() *PairRotation {
	return &PairRotation{tried: make(map[pairKey]bool)}
}

// Mark records a consumed pair.
func (pr *PairRotation) Mark(accountID, proxyID string) {
	pr.tried[pairKey{accountID, proxyID}] = true
}

// Tried reports whether a pair was already used.
func (pr *PairRotation) Tried(accountID, proxyID string) bool {
	return pr.tried[pairKey{accountID, proxyID}]
}

// Next picks the first untried pair from the Cartesian product of accounts
// and proxies, preferring the given ordering. When every pair is exhausted
// it reports ok=false; the caller may then reuse pairs or give up.
func (pr *PairRotation) Next(accounts []*domain.SMTPAccount, proxies []*domain.Proxy) (*domain.SMTPAccount, *domain.Proxy, bool) {
	if len(proxies) == 0 {
		for _, a := range accounts {
			if !pr.Tried(a.ID, "") {
				return a, nil, true
			}
		}
		return nil, nil, false
	}
	for _, a := range accounts {
		for _, p := range proxies {
			if !pr.Tried(a.ID, p.ID) {
				return a, p, true
			}
		}
	}
	return nil, nil, false
}
