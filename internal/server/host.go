package server

import (
	"net/http"
	"os"
	"strings"
)

// effectiveHost is the hostname tenancy resolution keys on. The Host
// header is authoritative unless TRUST_PROXY=1, in which case the
// first X-Forwarded-Host entry wins when present.
func effectiveHost(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if h := forwardedHost(r); h != "" {
			return normalizeHostname(h)
		}
	}
	return normalizeHostname(r.Host)
}

func forwardedHost(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	if raw == "" {
		return ""
	}
	// Each proxy hop appends to the list; the first entry is the
	// client-facing host.
	if first, _, ok := strings.Cut(raw, ","); ok {
		raw = first
	}
	return strings.TrimSpace(raw)
}

// normalizeHostname lowercases the host and strips any port so that
// "Tenant.Example:8080" and "tenant.example" resolve identically.
func normalizeHostname(host string) string {
	host = strings.TrimSpace(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.ToLower(host)
}
