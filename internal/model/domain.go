package model

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeDomain lowercases d and strips surrounding whitespace and dots.
func NormalizeDomain(d string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
}

// MatchesDomain reports whether host equals domain or is a strict
// dot-suffix subdomain of it. Both sides are compared case-insensitively.
func MatchesDomain(host, domain string) bool {
	host = NormalizeDomain(host)
	domain = NormalizeDomain(domain)
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// IsWebURL reports whether raw uses the http or https scheme.
func IsWebURL(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Hostname extracts the lowercased hostname from an absolute URL.
func Hostname(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := NormalizeDomain(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return host, nil
}
