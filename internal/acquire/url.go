package acquire

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL into a FetchKey so equivalent spellings
// share one cache entry. It lowercases the scheme and host, removes default
// ports, sorts query parameters and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	// Sort query parameters
	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}
