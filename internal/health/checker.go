// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// Check verifies one dependency is ready to serve.
type Check func(ctx context.Context) error

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// Checker runs named dependency checks for the readiness probe.
//
// Checks registered as required fail readiness; optional checks only
// degrade it. The broker is optional because the dispatcher runs inline
// without it, while the store and provider are hard dependencies.
type Checker struct {
	timeout time.Duration

	mu           sync.RWMutex
	required     map[string]Check
	optional     map[string]Check
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates an empty health checker.
func NewChecker() *Checker {
	return &Checker{
		timeout:  5 * time.Second,
		required: make(map[string]Check),
		optional: make(map[string]Check),
	}
}

// Require registers a check that must pass for the service to be ready.
func (c *Checker) Require(name string, check Check) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.required[name] = check
	return c
}

// Optional registers a check whose failure degrades readiness instead of
// failing it.
func (c *Checker) Optional(name string, check Check) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optional[name] = check
	return c
}

// Liveness returns true if the service is alive.
// This is a lightweight check without external dependencies; failing it
// should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use a cached result if recent, to avoid hammering dependencies
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overallStatus := StatusHealthy

	c.mu.RLock()
	for name, check := range c.required {
		result := c.run(ctx, check)
		checks[name] = result
		if result.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}
	for name, check := range c.optional {
		result := c.run(ctx, check)
		if result.Status != StatusHealthy {
			result.Status = StatusDegraded
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
		checks[name] = result
	}
	c.mu.RUnlock()

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{
		Status: StatusHealthy,
	}
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // clear cache to ensure immediate effect
}
