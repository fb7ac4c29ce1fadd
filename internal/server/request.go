package server

import (
	"net/http"
	"strings"
)

// requestBaseURL reconstructs the externally visible origin of a
// request. Behind a reverse proxy the Host header and TLS state of the
// direct connection are wrong for building the callback redirect URI,
// so forwarded headers win when present.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		// A chain of proxies appends values; the first is the client-facing one.
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}

	return scheme + "://" + host
}
