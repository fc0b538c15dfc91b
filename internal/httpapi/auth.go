package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// extractCredential pulls a bearer token or API key out of the request,
// reporting which scheme supplied it (spec.md section 4.10's auth surface).
func extractCredential(r *http.Request) (credential, scheme string, ok bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer "), "bearer", true
		}
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key, "apikey", true
	}
	return "", "", false
}

// credentialAllowed constant-time-compares cred against every configured
// credential for its scheme, never short-circuiting on the first match
// length, so validity can't be inferred from response timing.
func credentialAllowed(scheme, cred string, tokens, apiKeys []string) bool {
	pool := tokens
	if scheme == "apikey" {
		pool = apiKeys
	}
	allowed := false
	for _, candidate := range pool {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(cred)) == 1 {
			allowed = true
		}
	}
	return allowed
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
