// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth returns middleware enforcing a single operator bearer token —
// a minimal bearer-token check, not the multi-tenant OIDC/RBAC stack this
// system has no use for. An empty token disables the check entirely
// (local/dev use).
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				newResponseWriter(w, r).Unauthorized("missing bearer token")
				return
			}
			presented := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				newResponseWriter(w, r).Unauthorized("invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
