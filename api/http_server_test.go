package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"slowpipe/limiter"
	"slowpipe/status"
)

func newTestServer(t *testing.T) (*Server, *status.Monitor) {
	t.Helper()
	mon := status.NewMonitor(nil)
	mon.RegisterLimiter("send", limiter.New(8000))
	mon.RegisterLimiter("receive", limiter.New(56000))
	return NewServer(mon, "127.0.0.1:0", nil), mon
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleLimiters_ReturnsSortedList(t *testing.T) {
	srv, _ := newTestServer(t)

	res := do(srv, http.MethodGet, "/api/v1/limiters", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", res.Code)
	}

	var list []limiter.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got, want := len(list), 2; got != want {
		t.Fatalf("unexpected list length: got %d want %d", got, want)
	}
	if list[0].Name != "receive" || list[0].RateBps != 56000 {
		t.Fatalf("unexpected first limiter: %+v", list[0])
	}
	if list[1].Name != "send" || list[1].RateBps != 8000 {
		t.Fatalf("unexpected second limiter: %+v", list[1])
	}
}

func TestHandleSetRate_UpdatesLimiter(t *testing.T) {
	srv, mon := newTestServer(t)

	res := do(srv, http.MethodPut, "/api/v1/limiters/send", `{"rate": 112000}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", res.Code, res.Body.String())
	}
	lim, _ := mon.GetLimiter("send")
	if lim.Rate() != 112000 {
		t.Fatalf("rate not applied: got %d", lim.Rate())
	}

	res = do(srv, http.MethodPut, "/api/v1/limiters/send", `{"rate": 0}`)
	if res.Code != http.StatusOK {
		t.Fatalf("disabling should be accepted, got %d", res.Code)
	}
	if lim.Rate() != 0 {
		t.Fatalf("expected limiter disabled, got %d", lim.Rate())
	}
}

func TestHandleSetRate_Rejects(t *testing.T) {
	srv, mon := newTestServer(t)

	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"negative", "/api/v1/limiters/send", `{"rate": -1}`, http.StatusBadRequest},
		{"missing rate", "/api/v1/limiters/send", `{}`, http.StatusBadRequest},
		{"not json", "/api/v1/limiters/send", `fast please`, http.StatusBadRequest},
		{"unknown field", "/api/v1/limiters/send", `{"rate": 1, "burst": 2}`, http.StatusBadRequest},
		{"unknown limiter", "/api/v1/limiters/nope", `{"rate": 1}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := do(srv, http.MethodPut, tc.path, tc.body)
			if res.Code != tc.code {
				t.Fatalf("expected status %d got %d", tc.code, res.Code)
			}
		})
	}
	lim, _ := mon.GetLimiter("send")
	if lim.Rate() != 8000 {
		t.Fatalf("rejected requests changed the rate to %d", lim.Rate())
	}
}

func TestHandleLimiters_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	res := do(srv, http.MethodPost, "/api/v1/limiters", "")
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405 got %d", res.Code)
	}
}

func TestHandleSessions_EmptyList(t *testing.T) {
	srv, _ := newTestServer(t)

	res := do(srv, http.MethodGet, "/api/v1/sessions", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", res.Code)
	}
	if got := strings.TrimSpace(res.Body.String()); got != "[]" {
		t.Fatalf("expected empty JSON list, got %q", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	res := do(srv, http.MethodGet, "/health", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", res.Code)
	}
	var h healthDTO
	if err := json.NewDecoder(res.Body).Decode(&h); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if h.Status != "ok" {
		t.Fatalf("unexpected health status %q", h.Status)
	}

	res = do(srv, http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", res.Code)
	}
	body := res.Body.String()
	for _, want := range []string{
		"slowpipe_sessions_active",
		`slowpipe_limiter_rate_bps{limiter="send"} 8000`,
		`slowpipe_limiter_skip_percent{limiter="receive"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
