// Package urlguard parses and validates a guest-requested URL against a
// scheme policy, a host allowlist, and the resolved address's private-IP
// status, closing the common SSRF path of reaching internal services
// through the sidecar's outbound network position.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrParse          = errors.New("url parse error")
	ErrInsecureScheme = errors.New("insecure scheme")
	ErrNoHostname     = errors.New("no hostname")
	ErrNotAllowed     = errors.New("host not allowed")
	ErrDNS            = errors.New("dns resolution failed")
	ErrPrivateIP      = errors.New("resolved address is private or internal")
)

// Validated is a URL that has survived every check in Validate, carrying
// the resolved IP that will be used for the connection.
type Validated struct {
	URL        *url.URL
	ResolvedIP net.IP
}

// Resolver abstracts system DNS resolution so tests can substitute a fixed
// answer set.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validate runs the full SSRF check chain against rawURL and bails on the
// first failure. allowHTTP permits the plain http scheme in addition to
// https. allowlist entries are either an exact hostname or "*.suffix",
// which matches any strict subdomain of suffix but not suffix itself. An
// empty allowlist denies every host.
func Validate(ctx context.Context, resolver Resolver, rawURL string, allowlist []string, allowHTTP bool) (*Validated, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParse, err)
	}

	if u.Scheme != "https" && !(allowHTTP && u.Scheme == "http") {
		return nil, fmt.Errorf("%w: %q", ErrInsecureScheme, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, ErrNoHostname
	}

	if !hostAllowed(host, allowlist) {
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, host)
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDNS, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %q", ErrDNS, host)
	}

	for _, a := range addrs {
		if isPrivateIP(a.IP) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateIP, a.IP)
		}
	}

	return &Validated{URL: u, ResolvedIP: addrs[0].IP}, nil
}

// hostAllowed applies exact-match or "*.suffix" wildcard semantics.
func hostAllowed(host string, allowlist []string) bool {
	for _, entry := range allowlist {
		if entry == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

// isPrivateIP implements the predicate from spec.md §4.D, widened per the
// resolved Open Question to cover the full 240.0.0.0/4 reserved block
// rather than only the literal broadcast address.
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	for _, block := range privateV6Blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

var privateV4Blocks = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"169.254.0.0/16", // link-local
	"100.64.0.0/10",  // carrier-grade NAT
	"0.0.0.0/32",     // unspecified
	"240.0.0.0/4",    // reserved, includes 255.255.255.255 broadcast
)

var privateV6Blocks = mustParseCIDRs(
	"::1/128",  // loopback
	"::/128",   // unspecified
	"fc00::/7", // unique local
	"fe80::/10", // link-local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("urlguard: invalid built-in cidr %q: %s", c, err))
		}
		out = append(out, n)
	}
	return out
}

// SystemResolver adapts net.DefaultResolver (or an injected *net.Resolver)
// to the Resolver interface.
type SystemResolver struct {
	R *net.Resolver
}

func (s SystemResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	r := s.R
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupIPAddr(ctx, host)
}
