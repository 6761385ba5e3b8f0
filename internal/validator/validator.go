// Package validator normalizes user supplied URLs and rejects inputs that
// are malformed, hostile, or point at internal infrastructure.
package validator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// Length bounds on the raw input.
const (
	MinLength = 10
	MaxLength = 2048
)

var (
	cgnat    = mustCIDR("100.64.0.0/10")
	v6unique = mustCIDR("fc00::/7")
	v6link   = mustCIDR("fe80::/10")

	maliciousPattern = regexp.MustCompile(`(?i)(<\s*script|javascript:|vbscript:|data:text/html|` +
		`\bunion\s+(all\s+)?select\b|\bdrop\s+table\b|;\s*(drop|delete|insert|update|select|exec)\b|` +
		`'\s*(or|and)\s+'?\w+'?\s*=|'\s*--|/\*|\*/|[<>"` + "`" + `])`)

	schemePrefix = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+\-]*):(.*)$`)
	portOnly     = regexp.MustCompile(`^\d+(/.*)?$`)
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic("invalid CIDR " + s + ": " + err.Error())
	}
	return n
}

// Validator screens URLs. The zero value blocks private hosts.
type Validator struct {
	allowPrivate bool
	blocklist    *domainBlocklist
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateHosts disables the loopback and private range checks.
// Local development and tests against httptest servers use it.
func WithAllowPrivateHosts(allow bool) Option {
	return func(v *Validator) {
		v.allowPrivate = allow
	}
}

// WithBlockedDomains rejects hosts matching patterns. Entries are exact host
// names or suffix wildcards such as "*.example.org".
func WithBlockedDomains(patterns []string) Option {
	return func(v *Validator) {
		v.blocklist = newDomainBlocklist(patterns)
	}
}

// New returns a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate normalizes raw and returns the parsed URL, or a
// *crawler.ValidationError describing why it was rejected.
func (v *Validator) Validate(raw string) (*url.URL, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\x00", ""))
	switch {
	case s == "":
		return nil, reject(crawler.ValidationEmpty, "")
	case len(s) > MaxLength:
		return nil, reject(crawler.ValidationTooLong, "")
	case len(s) < MinLength:
		return nil, reject(crawler.ValidationTooShort, "")
	}
	if isMalicious(s) {
		return nil, reject(crawler.ValidationMalicious, "")
	}

	if !strings.Contains(s, "://") {
		if m := schemePrefix.FindStringSubmatch(s); m != nil && !portOnly.MatchString(m[2]) {
			return nil, reject(crawler.ValidationBadScheme, strings.ToLower(m[1]))
		}
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, reject(crawler.ValidationMalformedURL, err.Error())
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, reject(crawler.ValidationBadScheme, u.Scheme)
	}
	if u.User != nil {
		return nil, reject(crawler.ValidationMalformedURL, "credentials in url")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, reject(crawler.ValidationMalformedURL, "missing host")
	}
	if !v.allowPrivate && IsBlockedHost(host) {
		return nil, reject(crawler.ValidationBlockedHost, host)
	}
	if v.blocklist.blocks(host) {
		return nil, reject(crawler.ValidationBlockedHost, host)
	}
	if net.ParseIP(host) == nil && !strings.Contains(host, ".") && !v.allowPrivate {
		return nil, reject(crawler.ValidationMalformedURL, "host has no domain")
	}
	return crawler.Normalize(u), nil
}

// DialFunc matches http.Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext wraps dialer so that every connection is checked after DNS
// resolution. Names resolving into private, loopback or link-local space are
// refused with a BlockedHost ValidationError, and the connection is made to
// the address that was checked, which closes the DNS rebinding window. With
// private hosts allowed the dialer is returned unchanged.
func (v *Validator) DialContext(dialer *net.Dialer) DialFunc {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	}
	if v.allowPrivate {
		return dialer.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("dns lookup for %s returned no addresses", host)
		}
		for _, ip := range ips {
			if IsPrivateIP(ip.IP) {
				return nil, reject(crawler.ValidationBlockedHost, fmt.Sprintf("%s resolves to %s", host, ip.IP))
			}
		}
		var errs []error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}

// IsBlockedHost reports whether host names loopback, link-local, or private
// network space.
func IsBlockedHost(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return IsPrivateIP(ip)
}

// IsPrivateIP checks if an IP is in private or reserved ranges, including
// IPv4-mapped IPv6 forms.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}

func isMalicious(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	if maliciousPattern.MatchString(s) {
		return true
	}
	decoded, err := url.PathUnescape(s)
	if err != nil || decoded == s {
		return false
	}
	for _, r := range decoded {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return maliciousPattern.MatchString(decoded)
}

func reject(kind crawler.ValidationKind, detail string) error {
	return &crawler.ValidationError{Kind: kind, Detail: detail}
}
