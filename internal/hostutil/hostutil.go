// Package hostutil normalizes GitLab server URLs and guards against sending
// tokens over plain HTTP.
package hostutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize converts a host string to a full URL.
// - Empty string returns empty
// - localhost/127.0.0.1 defaults to http://
// - Other bare hostnames default to https://
// - Full URLs are used as-is
func Normalize(host string) string {
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	if IsLocalhost(host) {
		return "http://" + host
	}
	return "https://" + host
}

// RequireSecureURL rejects http:// URLs that leave the machine. Tokens are
// sent as headers, so a plain HTTP GitLab URL would leak them.
func RequireSecureURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme == "http" && !IsLocalhost(u.Host) {
		return fmt.Errorf("insecure http:// URL %q; use https:// or set insecure: true", rawURL)
	}
	return nil
}

// IsLocalhost returns true if host is localhost, a .localhost subdomain,
// 127.0.0.1, or [::1] (with optional port).
func IsLocalhost(host string) bool {
	// Strip port if present for easier matching
	hostWithoutPort := host
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		// Check if this is IPv6 bracketed address
		if !strings.HasPrefix(host, "[") || strings.HasPrefix(host, "[::1]:") {
			hostWithoutPort = host[:idx]
		}
	}

	if hostWithoutPort == "localhost" || strings.HasSuffix(hostWithoutPort, ".localhost") {
		return true
	}
	if hostWithoutPort == "127.0.0.1" {
		return true
	}
	// IPv6 loopback (must be bracketed for valid URL)
	return hostWithoutPort == "[::1]"
}
