package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Each dependency check gets its own deadline so one hung backend cannot
// eat the whole readiness budget.
const perCheckTimeout = 2 * time.Second

// HealthChecker answers liveness and readiness probes. Liveness is
// unconditional; readiness runs every registered dependency check.
type HealthChecker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	names  []string
	checks map[string]func(ctx context.Context) error
}

// HealthStatus is the JSON body served on health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		checks: make(map[string]func(ctx context.Context) error),
	}
}

// AddCheck registers a named dependency check. Registering the same name
// twice replaces the earlier check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckHealth is the liveness probe: ok whenever the process can answer.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and reports "ok" only when all
// of them pass; any failure degrades the aggregate and is recorded
// per-check in the response.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, len(h.names))
	copy(names, h.names)
	checks := h.checks
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: "ok"}
	}

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(names)),
	}
	for _, name := range names {
		if err := h.runOne(ctx, checks[name]); err != nil {
			status.Status = "degraded"
			status.Checks[name] = CheckResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		status.Checks[name] = CheckResult{Status: "ok"}
	}
	return status
}

func (h *HealthChecker) runOne(ctx context.Context, check func(ctx context.Context) error) error {
	checkCtx, cancel := context.WithTimeout(ctx, perCheckTimeout)
	defer cancel()
	return check(checkCtx)
}
