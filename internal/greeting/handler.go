// Package greeting serves the service's single route.
package greeting

import (
	"io"
	"net/http"
)

// Message is the fixed body returned for GET /.
const Message = "Hello, GitOps with ArgoCD & FluxCD!!!!!!!!!!!!!!!!!!!!!!!!"

// Pattern matches GET (and HEAD) on the root path only. Every other path
// falls through to the mux's 404, every other method to its 405.
const Pattern = "GET /{$}"

// Register adds the greeting route to mux.
func Register(mux *http.ServeMux) {
	mux.Handle(Pattern, Handler())
}

// Handler returns the stateless greeting handler.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = io.WriteString(w, Message)
	})
}
