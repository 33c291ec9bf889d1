package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/iac-studio/deployengine/internal/api/middleware"
	"github.com/iac-studio/deployengine/internal/api/types"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]Checker
}

func NewHealthHandler(checks map[string]Checker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness runs every checker with a short deadline and answers 503 if any
// of them fails.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks)+1)
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	results["status"] = "ready"
	if code != http.StatusOK {
		results["status"] = "degraded"
	}
	writeJSON(w, code, types.APIResponse{
		Success: code == http.StatusOK,
		Data:    results,
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}
