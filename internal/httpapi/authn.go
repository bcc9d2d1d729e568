package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/ids"
	"prjsdr.xyz/relay/internal/obs"
)

const (
	authHeader      = "Authorization"
	bearerChallenge = `Bearer realm="relay"`
)

// protectedPrefix covers the routes that need a bearer token. /ws checks
// its own token because browsers pass it as a query parameter.
const protectedPrefix = "/api/"

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, protectedPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := auth.BearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", bearerChallenge)
			respondError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		principal, err := a.svc.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				obs.Error("authentication error", map[string]any{"err": err})
			}
			obs.Warn("http unauthorized", map[string]any{"path": r.URL.Path, "token_fp": ids.Fingerprint(token)})
			w.Header().Set("WWW-Authenticate", bearerChallenge+`, error="invalid_token"`)
			respondError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects principals without one of the roles.
func requireRole(r *http.Request, roles ...auth.Role) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, false
	}
	for _, role := range roles {
		if p.Role == role {
			return p, true
		}
	}
	return p, false
}
