package smtpout

import (
	"context"
	"fmt"
	"net"
	"sort"
)

// Resolver is the subset of net.Resolver the dispatcher needs. Swappable in
// tests.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// CandidateHosts returns the ordered SMTP hosts to try for an account: the
// explicit host first if set, otherwise the domain's MX records by
// preference, then the configured fallback hosts. Duplicates are dropped.
func CandidateHosts(ctx context.Context, r Resolver, explicitHost, senderDomain string, fallbacks []string) ([]string, error) {
	var hosts []string
	seen := make(map[string]bool)
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}

	if explicitHost != "" {
		add(explicitHost)
	} else {
		mxs, err := r.LookupMX(ctx, senderDomain)
		if err == nil {
			sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
			for _, mx := range mxs {
				add(trimDot(mx.Host))
			}
		}
		// DNS failure falls through to the fallback list.
	}

	for _, f := range fallbacks {
		add(f)
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no SMTP host for domain %s: no MX records and no fallbacks", senderDomain)
	}
	return hosts, nil
}

func trimDot(h string) string {
	if len(h) > 0 && h[len(h)-1] == '.' {
		return h[:len(h)-1]
	}
	return h
}
