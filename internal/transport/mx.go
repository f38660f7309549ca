package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ErrNullMX is returned for domains that publish a "." MX, declaring they
// accept no mail (RFC 7505).
var ErrNullMX = errors.New("domain does not accept mail")

// Resolver looks up MX records. *net.Resolver satisfies it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// MXHosts returns the hosts to try for domain, most preferred first. A
// domain without MX records is its own mail exchanger.
func MXHosts(ctx context.Context, r Resolver, domain string) ([]string, error) {
	records, err := r.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return []string{domain}, nil
		}
		return nil, fmt.Errorf("MX lookup failed for %s: %w", domain, err)
	}
	if len(records) == 0 {
		return []string{domain}, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			if len(records) == 1 {
				return nil, fmt.Errorf("%w: %s", ErrNullMX, domain)
			}
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// Domain returns the part of addr after the last @, lower-cased.
func Domain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
