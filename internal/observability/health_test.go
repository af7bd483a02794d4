package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubChecker struct {
	err   error
	delay time.Duration
}

func (s stubChecker) HealthCheck(ctx context.Context) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func ready() bool { return true }

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		ActionsLoaded: ready,
		Accepting:     ready,
		Cache:         stubChecker{},
		Audit:         stubChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"actions", "dispatcher", "cache", "audit"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
	if _, ok := resp.Checks["nats"]; ok {
		t.Error("nil optional checker should not be reported")
	}
}

func TestHandleReady_noActions(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		ActionsLoaded: func() bool { return false },
		Accepting:     ready,
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["actions"].Error == "" {
		t.Error("actions check should carry an error message")
	}
}

func TestHandleReady_requiredCheckMissing(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{ActionsLoaded: ready})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["dispatcher"].Status != "error" {
		t.Errorf("dispatcher = %q, want error", resp.Checks["dispatcher"].Status)
	}
}

func TestHandleReady_optionalFailure(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		ActionsLoaded: ready,
		Accepting:     ready,
		Cache:         stubChecker{err: errors.New("redis: connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["cache"].Error != "redis: connection refused" {
		t.Errorf("cache error = %q", resp.Checks["cache"].Error)
	}
}

func TestRunCheck_timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := runCheck(ctx, stubChecker{delay: time.Second})
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
}
