package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports and fragments,
// gives empty paths a trailing slash, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return Normalize(u).String(), nil
}

// Normalize returns a normalized copy of u.
func Normalize(u *url.URL) *url.URL {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(out.Host)

	if out.Scheme == "http" && strings.HasSuffix(out.Host, ":80") {
		out.Host = strings.TrimSuffix(out.Host, ":80")
	}
	if out.Scheme == "https" && strings.HasSuffix(out.Host, ":443") {
		out.Host = strings.TrimSuffix(out.Host, ":443")
	}

	out.Fragment = ""
	out.RawFragment = ""
	if out.Path == "" && out.Opaque == "" {
		out.Path = "/"
	}
	if out.RawQuery != "" {
		out.RawQuery = out.Query().Encode()
	}
	out.ForceQuery = false
	return &out
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	na, nb := Normalize(a), Normalize(b)
	return na.Scheme == nb.Scheme && na.Host == nb.Host
}

// Origin returns scheme://host for u.
func Origin(u *url.URL) string {
	n := Normalize(u)
	return n.Scheme + "://" + n.Host
}
