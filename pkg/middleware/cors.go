// Package middleware provides HTTP middleware for the runner's API surface.
package middleware

import (
	"net/http"
	"os"
	"strings"
)

// CORS handles cross-origin requests and OPTIONS preflights for browser-based
// frontends. With no allowed origins configured (nil slice and an empty
// INPAINT_ORIGINS), cross-origin access stays disabled and the handler passes
// requests through untouched.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = originsFromEnv()
	}
	if allowedOrigins == nil {
		return next
	}

	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		permitted := origin != "" && (allowAll || hasOrigin(allowed, origin))

		if permitted {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			// Preflights without a permitted origin fall through so the
			// router can answer with its usual 404/405.
			if !permitted {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func hasOrigin(allowed map[string]struct{}, origin string) bool {
	_, ok := allowed[origin]
	return ok
}

// originsFromEnv reads allowed origins from INPAINT_ORIGINS, a comma-separated
// list. Unset or empty means no origins are allowed.
func originsFromEnv() (origins []string) {
	for _, origin := range strings.Split(os.Getenv("INPAINT_ORIGINS"), ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
