package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not yet checked")

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("memory", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("store", true, PingCheck("store", func(ctx context.Context) error {
		return errors.New("database is locked")
	}))
	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	assert.Equal(t, "database is locked", results["store"].Error)

	c.Unregister("store")
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("boom", false, func(ctx context.Context) CheckResult { panic("kaboom") })

	results := c.Check(context.Background())
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "kaboom", results["boom"].Error)
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker()
	_, ok := c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)

	c.RegisterFunc("store", true, healthy)
	r, ok := c.CheckComponent(context.Background(), "store")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, StatusHealthy, c.Results()["store"].Status)
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()

	r := DiskSpaceCheck(dir, 1)(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, dir, r.Details["path"])

	r = DiskSpaceCheck(dir, ^uint64(0)/4)(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready yet")

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "store")
	assert.Empty(t, resp.Failing)
}
