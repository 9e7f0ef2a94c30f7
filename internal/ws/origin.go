package ws

import (
	"net/http"
	"net/url"
	"strings"
)

type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			p.allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(origin); ok {
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check accepts requests without an Origin header, which come from
// non-browser clients such as the terminal client.
func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}
