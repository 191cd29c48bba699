package smtpout

import (
	"context"
	"net"
	"strings"

	"github.com/ignite/mailplane/internal/pkg/logger"
)

// TXTResolver is the DNS surface the SPF check needs.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// CheckSPF compares the observed egress IP against the sender domain's SPF
// record. Advisory only: a mismatch is logged, never blocks a send.
// Returns false only on a definite mismatch; lookup failures report true.
func CheckSPF(ctx context.Context, r TXTResolver, senderDomain, egressIP string) bool {
	ip := net.ParseIP(egressIP)
	if ip == nil {
		return true
	}

	records, err := r.LookupTXT(ctx, senderDomain)
	if err != nil {
		return true
	}

	var spf string
	for _, rec := range records {
		if strings.HasPrefix(rec, "v=spf1") {
			spf = rec
			break
		}
	}
	if spf == "" {
		return true
	}

	for _, mech := range strings.Fields(spf)[1:] {
		mech = strings.TrimPrefix(mech, "+")
		switch {
		case strings.HasPrefix(mech, "ip4:"), strings.HasPrefix(mech, "ip6:"):
			if spfNetworkContains(mech[4:], ip) {
				return true
			}
		case mech == "a", strings.HasPrefix(mech, "a:"):
			host := senderDomain
			if strings.HasPrefix(mech, "a:") {
				host = mech[2:]
			}
			if addrs, err := r.LookupHost(ctx, host); err == nil {
				for _, a := range addrs {
					if a == egressIP {
						return true
					}
				}
			}
		case mech == "+all", mech == "all":
			return true
		}
		// include: and mx mechanisms are skipped; the check is advisory and
		// a skipped mechanism only risks a false warning.
	}

	logger.Warn("egress IP not authorized by SPF",
		"domain", senderDomain, "egress_ip", egressIP)
	return false
}

func spfNetworkContains(spec string, ip net.IP) bool {
	if strings.Contains(spec, "/") {
		_, network, err := net.ParseCIDR(spec)
		return err == nil && network.Contains(ip)
	}
	return ip.Equal(net.ParseIP(spec))
}

// Words that push the advisory spam score up. Scores are heuristics for
// operator warnings, not a filter.
var spamMarkers = []string{
	"free money", "act now", "100% free", "winner", "viagra",
	"no obligation", "risk free", "click below", "urgent",
}

// SpamScore returns an advisory 0..10 score for a subject/body pair.
func SpamScore(subject, html, text string) float64 {
	content := strings.ToLower(subject + " " + html + " " + text)
	var score float64
	for _, m := range spamMarkers {
		if strings.Contains(content, m) {
			score += 1.5
		}
	}
	if subject != "" && subject == strings.ToUpper(subject) && len(subject) > 8 {
		score += 2
	}
	if strings.Count(subject, "!") >= 2 {
		score += 1
	}
	if html != "" && strings.Count(strings.ToLower(html), "http") > 10 {
		score += 1.5
	}
	if score > 10 {
		score = 10
	}
	return score
}
