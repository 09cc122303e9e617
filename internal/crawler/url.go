package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, defaults an empty path to "/", and drops the fragment.
// Only absolute http and https URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("normalize %q: %w", rawURL, ErrUnsupportedScheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("normalize %q: missing host", rawURL)
	}
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

// HostOf returns the lowercased host (with port) of rawURL, or "" when it
// cannot be parsed.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// SeedURL turns a bare host such as "example.com" into "https://example.com/".
// Full URLs are normalized and returned as is.
func SeedURL(site string) (string, error) {
	site = strings.TrimSpace(site)
	if site == "" {
		return "", fmt.Errorf("site is required")
	}
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	return NormalizeURL(site)
}

// FileSafeHost converts a host into a file name stem, e.g. "www.example.com"
// becomes "www_example_com".
func FileSafeHost(host string) string {
	r := strings.NewReplacer(".", "_", ":", "_", "/", "_")
	return r.Replace(strings.ToLower(host))
}
