package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// originPolicy is the websocket origin allow-list. Origins are compared as lower-case scheme://host.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string, logger hclog.Logger) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			policy.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		policy.allowed[normalized] = struct{}{}
	}
	return policy
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// allows reports whether r may open a websocket. Without a wildcard, requests lacking an Origin header are refused.
func (p originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}
