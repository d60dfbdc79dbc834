package routing

import (
	"net/http"
	"path"
	"strings"
)

// NormalizedServeMux is an http.ServeMux that normalizes request paths before
// dispatch. Components register their routes with Go 1.22 pattern syntax and
// rely on this mux to collapse duplicate slashes and trailing slashes, which
// some HTTP clients produce when joining base URLs with route paths.
type NormalizedServeMux struct {
	*http.ServeMux
}

// NewNormalizedServeMux creates an empty normalized mux.
func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

// ServeHTTP implements http.Handler.ServeHTTP.
func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		r.URL.Path = path.Clean(r.URL.Path)
	}
	if len(r.URL.Path) > 1 && strings.HasSuffix(r.URL.Path, "/") {
		r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
	}
	nm.ServeMux.ServeHTTP(w, r)
}
