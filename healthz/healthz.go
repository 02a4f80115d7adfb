// Package healthz serves liveness and readiness endpoints.
package healthz

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// Check reports an error if a dependency is unusable.
type Check func(ctx context.Context) error

type Handler struct {
	checks  map[string]Check
	timeout time.Duration
}

// New returns a handler that runs checks, by name, on every request.  With no
// checks it always answers 200.
func New(checks map[string]Check) *Handler {
	return &Handler{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			glog.Warningf("Health check %q failed: %v", name, err)
			http.Error(w, fmt.Sprintf("503 %s: %v", name, err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Write([]byte("200 OK"))
}
