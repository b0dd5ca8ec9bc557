// Package health aggregates component checks for the solprismd probes.
//
// Components are checked concurrently with per-component timeouts. A
// failing critical component makes the node unhealthy; a failing optional
// one only degrades it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check performs one health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

const defaultTimeout = 5 * time.Second

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = defaultTimeout
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Unregister removes a health check component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)

			rmu.Lock()
			results[comp.Name] = result
			rmu.Unlock()

			c.mu.Lock()
			if _, ok := c.components[comp.Name]; ok {
				c.results[comp.Name] = result
			}
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return results
}

// run executes one check with its timeout and panic recovery. A check that
// ignores its context is abandoned when the timeout fires.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprint(r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// CheckComponent runs a single component's health check.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}

	result := run(ctx, comp)
	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()
	return result, true
}

// Results returns the last result of every component.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		results[k] = v
	}
	return results
}

// OverallStatus aggregates the last results. Unchecked critical
// components make the status unknown.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Response is the body served by Handler.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Failing    []string               `json:"failing,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and summarises the outcome.
func (c *Checker) Report(ctx context.Context, includeComponents bool) Response {
	results := c.Check(ctx)

	var failing []string
	for name, r := range results {
		if r.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime).Truncate(time.Second)
	c.mu.RUnlock()

	resp := Response{
		Status:    c.OverallStatus(),
		Ready:     ready,
		Uptime:    uptime.String(),
		Failing:   failing,
		Timestamp: time.Now().UTC(),
	}
	if includeComponents {
		resp.Components = results
	}
	return resp
}

// Handler serves the aggregated status. ?full=true includes per-component
// results. Not-ready and unhealthy nodes answer 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context(), r.URL.Query().Get("full") == "true")

		code := http.StatusOK
		if !resp.Ready || resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	})
}

// PingCheck wraps a store ping.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// DiskSpaceCheck reports unhealthy below minFreeBytes and degraded below
// twice that.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "disk usage unavailable",
				Error:   err.Error(),
			}
		}
		details := map[string]any{
			"path":           path,
			"free_bytes":     usage.Free,
			"used_percent":   usage.UsedPercent,
			"min_free_bytes": minFreeBytes,
		}
		switch {
		case usage.Free < minFreeBytes:
			return CheckResult{Status: StatusUnhealthy, Message: "disk space low", Details: details}
		case usage.Free < 2*minFreeBytes:
			return CheckResult{Status: StatusDegraded, Message: "disk space getting low", Details: details}
		default:
			return CheckResult{Status: StatusHealthy, Message: "disk space ok", Details: details}
		}
	}
}

// MemoryCheck degrades when system memory use exceeds maxUsedPercent.
func MemoryCheck(maxUsedPercent float64) Check {
	return func(ctx context.Context) CheckResult {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "memory stats unavailable", Error: err.Error()}
		}
		details := map[string]any{
			"used_percent":     vm.UsedPercent,
			"available_bytes":  vm.Available,
			"max_used_percent": maxUsedPercent,
		}
		if vm.UsedPercent > maxUsedPercent {
			return CheckResult{Status: StatusDegraded, Message: "memory pressure", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "memory ok", Details: details}
	}
}
