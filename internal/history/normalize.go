package history

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL is returned for URLs that cannot be normalized or are not web pages
var ErrInvalidURL = errors.New("invalid URL")

// trackingParams are query keys dropped during normalization, in addition
// to anything prefixed with "utm".
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"dclid":   true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"yclid":   true,
	"_ga":     true,
	"_hsenc":  true,
	"_hsmi":   true,
	"ref_src": true,
}

// IsTrackingParam reports whether a query key is stripped by NormalizeURL
func IsTrackingParam(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "utm") || trackingParams[k]
}

// NormalizeURL returns the canonical form used for deduplication:
// lowercase scheme and host, default port removed, fragment removed,
// trailing slash stripped, tracking parameters dropped and the remaining
// query parameters sorted. Only http and https URLs are accepted.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	parsed.Scheme = scheme
	parsed.Host = normalizeHost(scheme, parsed.Host)
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""

	parsed.RawQuery = normalizeQuery(parsed.Query())
	parsed.ForceQuery = false

	return parsed.String(), nil
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return strings.TrimSuffix(host, ".")
	}
	h = strings.TrimSuffix(h, ".")
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return net.JoinHostPort(h, port)
}

func normalizeQuery(params url.Values) string {
	for k := range params {
		if IsTrackingParam(k) {
			delete(params, k)
		}
	}
	if len(params) == 0 {
		return ""
	}
	for _, vals := range params {
		sort.Strings(vals)
	}
	// Encode sorts by key
	return params.Encode()
}

// URLID returns the content-addressed id of a normalized URL
func URLID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Domain returns the host of a normalized URL without port and leading "www."
func Domain(normalized string) string {
	parsed, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}
