package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// hostLookuper is satisfied by net.DefaultResolver.
type hostLookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSBLOracle checks egress addresses against DNS blacklists. An address is
// listed when the reversed-octet query against any zone returns a record.
type DNSBLOracle struct {
	zones    []string
	resolver hostLookuper
}

// NewDNSBLOracle creates an oracle over the given blacklist zones, e.g.
// "zen.spamhaus.org".
func NewDNSBLOracle(zones []string) *DNSBLOracle {
	return &DNSBLOracle{zones: zones, resolver: net.DefaultResolver}
}

// Lookup reports whether ip is listed in any configured zone and the zone
// that listed it. Resolver NXDOMAIN answers mean not listed; only IPv4
// addresses are queryable.
func (o *DNSBLOracle) Lookup(ctx context.Context, ip string) (bool, string, error) {
	reversed, err := reverseIPv4(ip)
	if err != nil {
		return false, "", err
	}
	for _, zone := range o.zones {
		query := reversed + "." + zone
		addrs, err := o.resolver.LookupHost(ctx, query)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				continue
			}
			return false, "", fmt.Errorf("dnsbl query %s: %w", query, err)
		}
		if len(addrs) > 0 {
			return true, zone, nil
		}
	}
	return false, "", nil
}

func reverseIPv4(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return "", fmt.Errorf("dnsbl: %q is not an IPv4 address", ip)
	}
	octets := strings.Split(parsed.To4().String(), ".")
	return octets[3] + "." + octets[2] + "." + octets[1] + "." + octets[0], nil
}
