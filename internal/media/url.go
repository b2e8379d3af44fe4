package media

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL lowercases the scheme and host, strips default ports and
// fragments, and sorts query parameters so equivalent URLs compare equal.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url: %q is not absolute", rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// Domain returns the lowercase host name of rawURL, the key for per-domain budgets.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("parse url: %q has no host", rawURL)
	}
	return host, nil
}

// Extension returns the lowercase file extension of the URL path without the dot.
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
}

// Blocklist denies hosts. "example.com" denies that host only; "*.example.com"
// and ".example.com" deny example.com and every subdomain.
type Blocklist struct {
	// rules maps a host to whether the rule covers its subdomains.
	rules map[string]bool
}

// NewBlocklist parses patterns; it returns nil when no pattern is usable.
func NewBlocklist(patterns []string) *Blocklist {
	rules := make(map[string]bool)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		subtree := strings.HasPrefix(p, "*.") || strings.HasPrefix(p, ".")
		host := strings.TrimLeft(p, "*.")
		if host == "" {
			continue
		}
		rules[host] = rules[host] || subtree
	}
	if len(rules) == 0 {
		return nil
	}
	return &Blocklist{rules: rules}
}

// Blocked reports whether host matches the list. A nil list blocks nothing.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := b.rules[host]; ok {
		return true
	}
	// Walk up the parent domains looking for a subtree rule.
	for i := strings.IndexByte(host, '.'); i >= 0; i = strings.IndexByte(host, '.') {
		host = host[i+1:]
		if b.rules[host] {
			return true
		}
	}
	return false
}

// Check returns a permanent ErrBlocked failure when rawURL's host is listed.
func (b *Blocklist) Check(rawURL string) error {
	if b == nil {
		return nil
	}
	host, err := Domain(rawURL)
	if err != nil {
		return Permanent("check blocklist", err)
	}
	if b.Blocked(host) {
		return Permanent("check blocklist", fmt.Errorf("%w: %s", ErrBlocked, host))
	}
	return nil
}
