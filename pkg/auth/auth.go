// Package auth guards the mutating oracle endpoints with a shared
// service token and resolves the ledger identity a request acts as.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/httpx"
)

// CallerHeader names the ledger identity a request acts as. Absent the
// header, handlers fall back to the configured authority.
const CallerHeader = "X-Caller-Identity"

// TokenMiddleware rejects requests whose header does not carry the
// configured service token. The comparison is constant time. An
// unconfigured token fails closed.
func TokenMiddleware(header, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header == "" || token == "" {
				httpx.Error(w, http.StatusServiceUnavailable, "service auth not configured")
				return
			}
			got := r.Header.Get(header)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpx.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Caller returns the identity the request acts as, defaulting to the
// configured authority when no header is present.
func Caller(r *http.Request, fallback string) string {
	if caller := strings.TrimSpace(r.Header.Get(CallerHeader)); caller != "" {
		return caller
	}
	return fallback
}
