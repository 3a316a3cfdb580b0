package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusUnknown   ComponentStatus = "unknown"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LastCheck time.Time       `json:"last_check"`
}

// HealthStatus represents the overall readiness of the service
type HealthStatus struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// StatusResponse is the body of /healthz and /readyz
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// HealthChecker tracks the readiness of registered components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	logger     *slog.Logger
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		logger:     logger,
	}
}

// RegisterComponent registers a component for readiness checking. It starts
// out unknown, which is not ready.
func (h *HealthChecker) RegisterComponent(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{
		Status:    StatusUnknown,
		LastCheck: time.Now(),
	}
}

// UpdateComponentHealth updates the health status of a component
func (h *HealthChecker) UpdateComponentHealth(name string, status ComponentStatus, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// GetHealth returns the current readiness. With no registered components
// the service is ready.
func (h *HealthChecker) GetHealth() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(h.components))
	overallHealthy := true

	for name, health := range h.components {
		components[name] = health
		if health.Status != StatusHealthy {
			overallHealthy = false
		}
	}

	status := StatusHealthy
	if !overallHealthy {
		status = StatusUnhealthy
	}

	return HealthStatus{
		Status:     status,
		Components: components,
		Timestamp:  time.Now(),
	}
}

// HealthCheckFunc is a function that checks the health of a component
type HealthCheckFunc func(ctx context.Context) error

// CheckComponent runs a health check function and updates the component status
func (h *HealthChecker) CheckComponent(ctx context.Context, name string, checkFunc HealthCheckFunc) {
	err := checkFunc(ctx)
	if err != nil {
		h.UpdateComponentHealth(name, StatusUnhealthy, err.Error())
		h.logger.Warn("component health check failed",
			"component", name,
			"error", err.Error())
	} else {
		h.UpdateComponentHealth(name, StatusHealthy, "")
	}
}

// StartPeriodicChecks runs checks immediately and then on every interval
// until ctx is canceled
func (h *HealthChecker) StartPeriodicChecks(ctx context.Context, interval time.Duration, checks map[string]HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for name, checkFunc := range checks {
		h.CheckComponent(ctx, name, checkFunc)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, checkFunc := range checks {
				h.CheckComponent(ctx, name, checkFunc)
			}
		}
	}
}

// MaxIterationAge is how old the last loop iteration may be before the loop
// is considered stalled
func MaxIterationAge(sleep time.Duration) time.Duration {
	age := 3 * sleep
	if age < 30*time.Second {
		return 30 * time.Second
	}
	return age
}

// IterationFreshnessCheck fails once no loop iteration has completed within
// maxAge. Before the first iteration the age is measured from metrics creation.
func IterationFreshnessCheck(metrics *Metrics, maxAge time.Duration) HealthCheckFunc {
	return func(ctx context.Context) error {
		last := metrics.LastIteration()
		if last.IsZero() {
			last = metrics.StartedAt()
		}
		age := metrics.now().Sub(last)
		if age > maxAge {
			return fmt.Errorf("last iteration %s ago exceeds %s", age.Round(time.Second), maxAge)
		}
		return nil
	}
}

// HealthHandler reports liveness
// @Summary Liveness probe
// @Description Returns ok while the process is serving HTTP
// @Tags Health
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /healthz [get]
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.respondJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
	}
}

// ReadyHandler reports readiness of all registered components
// @Summary Readiness probe
// @Description Returns ready while every registered component is healthy
// @Tags Health
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 503 {object} StatusResponse
// @Router /readyz [get]
func (h *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.GetHealth()
		if health.Status == StatusHealthy {
			h.respondJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
			return
		}
		h.respondJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "not_ready"})
	}
}

func (h *HealthChecker) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode health response",
			"error", err.Error())
	}
}
