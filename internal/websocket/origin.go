package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin returns a CheckOrigin function for the upgrader. With no allowed
// origins every origin is accepted. Otherwise requests without an Origin header
// (non-browser clients) and requests whose origin matches an entry are accepted.
func NewCheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	origins := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if o := extractOrigin(a); o != "" {
			origins[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		if _, ok := origins[strings.ToLower(origin)]; ok {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
