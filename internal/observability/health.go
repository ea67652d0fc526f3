package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		// Update overall status
		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		// Set HTTP status based on health
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 but degraded
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions

// UDPListenerCheck reports the bound transport socket.
func UDPListenerCheck(addr func() net.Addr) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		a := addr()
		if a == nil {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: "UDP socket not bound",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("UDP listener on %s", a),
		}
	}
}

// SessionCheck reports whether the transport session is still live.
func SessionCheck(established func() bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if established() {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: "session established",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: "no established session",
		}
	}
}

// StoreCheck checks the bitmap persistence database file.
func StoreCheck(dbPath string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		_, err := os.Stat(dbPath)
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:    HealthStatusDegraded,
				Message:   fmt.Sprintf("bitmap store unavailable: %v", err),
				LatencyMS: latency,
			}
		}
		return ComponentHealth{
			Status:    HealthStatusOK,
			Message:   "bitmap store responsive",
			LatencyMS: latency,
		}
	}
}

// OutputDirCheck checks that the payload sink's directory is writable.
func OutputDirCheck(dir string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("output directory unavailable: %s", dir),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("output directory %s writable", dir),
		}
	}
}
