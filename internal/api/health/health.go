// Package health provides the health check endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// Response represents the health check response.
type Response struct {
	Status  Status            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs health checks.
type Checker struct {
	pinger    Pinger
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(pinger Pinger, version string) *Checker {
	return &Checker{
		pinger:    pinger,
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// Check performs all health checks and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &Response{
		Status:  StatusHealthy,
		Checks:  map[string]string{"database": "connected"},
		Version: c.version,
		Uptime:  time.Since(c.startTime).Round(time.Second).String(),
	}

	if c.pinger == nil {
		resp.Status = StatusUnhealthy
		resp.Checks["database"] = "not configured"
		return resp
	}
	if err := c.pinger.Ping(checkCtx); err != nil {
		resp.Status = StatusUnhealthy
		resp.Checks["database"] = "ping failed: " + err.Error()
	}

	return resp
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}
