// Package urlcheck validates outbound URLs before the service fetches a
// document or delivers a webhook. It blocks non-HTTP schemes, hosts that
// resolve into private/reserved address space, and (optionally) any host not
// on a configured allow-list.
package urlcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrRejected wraps every validation failure so callers can match the whole
// class with errors.Is.
var ErrRejected = errors.New("urlcheck: rejected")

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("::ffff:0:0/96"), // IPv4-mapped
}

// Resolver is the DNS lookup used by Validator. Swappable in tests.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator checks URLs. The zero value is not usable; call New.
type Validator struct {
	// AllowedHosts, when non-empty, restricts outbound hosts to this set
	// (exact match, case-insensitive).
	AllowedHosts []string
	resolver     Resolver
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowedHosts sets the host allow-list.
func WithAllowedHosts(hosts ...string) Option {
	return func(v *Validator) { v.AllowedHosts = hosts }
}

// WithResolver overrides the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// New builds a Validator with the default system resolver.
func New(opts ...Option) *Validator {
	v := &Validator{resolver: net.DefaultResolver}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate returns nil when raw is safe to fetch or call back to. purpose is
// a label for error messages ("document_url", "callback_url").
func (v *Validator) Validate(ctx context.Context, raw, purpose string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s is not a URL: %v", ErrRejected, purpose, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed for %s", ErrRejected, u.Scheme, purpose)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: %s has no hostname", ErrRejected, purpose)
	}

	if len(v.AllowedHosts) > 0 && !v.allowed(host) {
		return fmt.Errorf("%w: host %q not on the allow-list for %s", ErrRejected, host, purpose)
	}

	// Literal IPs skip DNS.
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: %s resolves to reserved address %s", ErrRejected, purpose, addr)
		}
		return nil
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		// Unresolvable hosts are blocked, not deferred: failing open would
		// let DNS errors mask rebinding attacks.
		return fmt.Errorf("%w: cannot resolve host %q for %s", ErrRejected, host, purpose)
	}
	for _, addr := range addrs {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: %s host %q resolves to reserved address %s", ErrRejected, purpose, host, addr)
		}
	}
	return nil
}

func (v *Validator) allowed(host string) bool {
	for _, h := range v.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func blockedAddr(addr netip.Addr) bool {
	// Unmap normalizes IPv4-mapped IPv6 to plain IPv4 so ::ffff:10.0.0.1
	// hits the 10.0.0.0/8 block.
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
