package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

func TestServer_handleHealth(t *testing.T) {
	s := New(0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
}

func TestServer_handleReady_NoCheckers(t *testing.T) {
	s := New(0)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ready" {
		t.Errorf("expected status 'ready', got %q", resp.Status)
	}
}

func TestServer_handleReady_AllHealthy(t *testing.T) {
	s := New(0)

	s.RegisterChecker("ssh", func(ctx context.Context) error {
		return nil
	})
	s.RegisterChecker("config", func(ctx context.Context) error {
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ready" {
		t.Errorf("expected status 'ready', got %q", resp.Status)
	}

	if len(resp.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(resp.Components))
	}

	for _, c := range resp.Components {
		if !c.Healthy {
			t.Errorf("expected component %q to be healthy", c.Name)
		}
	}
}

func TestServer_handleReady_SomeUnhealthy(t *testing.T) {
	s := New(0)

	s.RegisterChecker("config", func(ctx context.Context) error {
		return nil
	})
	s.RegisterChecker("ssh", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", resp.Status)
	}

	// Check that one component is healthy and one is not
	healthyCount := 0
	unhealthyCount := 0
	for _, c := range resp.Components {
		if c.Healthy {
			healthyCount++
		} else {
			unhealthyCount++
			if c.Error != "connection refused" {
				t.Errorf("expected error 'connection refused', got %q", c.Error)
			}
		}
	}

	if healthyCount != 1 || unhealthyCount != 1 {
		t.Errorf("expected 1 healthy and 1 unhealthy, got %d healthy and %d unhealthy",
			healthyCount, unhealthyCount)
	}
}

func TestServer_handleReady_Timeout(t *testing.T) {
	s := New(0, WithTimeout(50*time.Millisecond))

	s.RegisterChecker("ssh", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", resp.Status)
	}
}

func TestServer_RegisterChecker(t *testing.T) {
	s := New(0)

	s.RegisterChecker("test", func(ctx context.Context) error { return nil })

	if len(s.checkers) != 1 {
		t.Errorf("expected 1 checker, got %d", len(s.checkers))
	}

	if _, ok := s.checkers["test"]; !ok {
		t.Error("expected checker 'test' to be registered")
	}
}

func TestServer_handleReady_Degraded(t *testing.T) {
	s := New(0)

	state := sshutil.StateAbsent
	s.RegisterDegradedChecker("session", SessionChecker(func() sshutil.State { return state }))
	s.RegisterDegradedChecker("device", DeviceChecker(func() []string { return []string{"host", "user"} }))

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("expected status 'degraded', got %q", resp.Status)
	}
	if len(resp.Degraded) != 2 || resp.Degraded[0].Name != "device" || resp.Degraded[1].Name != "session" {
		t.Fatalf("unexpected degraded list: %+v", resp.Degraded)
	}
	if !strings.Contains(resp.Degraded[0].Message, "missing host, user") {
		t.Errorf("device message = %q", resp.Degraded[0].Message)
	}
}

func TestSessionChecker(t *testing.T) {
	tests := []struct {
		state    sshutil.State
		degraded bool
	}{
		{sshutil.StateLive, false},
		{sshutil.StateStale, true},
		{sshutil.StateAbsent, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			check := SessionChecker(func() sshutil.State { return tt.state })
			degraded, msg := check(context.Background())
			if degraded != tt.degraded {
				t.Errorf("degraded = %v, want %v", degraded, tt.degraded)
			}
			if degraded && msg == "" {
				t.Error("expected a message for degraded state")
			}
		})
	}
}

func TestDeviceChecker_Configured(t *testing.T) {
	check := DeviceChecker(func() []string { return nil })
	if degraded, _ := check(context.Background()); degraded {
		t.Error("expected configured device not to be degraded")
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := New(0)
	if s.Addr() != nil {
		t.Error("expected nil Addr before Start")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + s.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected metrics status 200, got %d", resp.StatusCode)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	s := New(ln.Addr().(*net.TCPAddr).Port)
	if err := s.Start(); err == nil {
		_ = s.Shutdown(context.Background())
		t.Fatal("expected Start to fail on a bound port")
	}
}
