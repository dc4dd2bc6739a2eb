package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"reposter/internal/dispatch"
	"reposter/internal/storage"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeCycles struct {
	busy    bool
	running string
	once    dispatch.Summary
	hist    []dispatch.Summary
	trigs   []string
}

func (f *fakeCycles) Trigger(trigger string) (string, error) {
	if f.busy {
		return "", dispatch.ErrBusy
	}
	f.trigs = append(f.trigs, trigger)
	return "cyc-1", nil
}

func (f *fakeCycles) RunOnce(_ context.Context, trigger string) (dispatch.Summary, error) {
	if f.busy {
		return dispatch.Summary{}, dispatch.ErrBusy
	}
	f.trigs = append(f.trigs, trigger)
	return f.once, nil
}

func (f *fakeCycles) Running() (string, bool) { return f.running, f.running != "" }

func (f *fakeCycles) History() []dispatch.Summary { return f.hist }

func (f *fakeCycles) Find(id string) (dispatch.Summary, bool) {
	for _, s := range f.hist {
		if s.CycleID == id {
			return s, true
		}
	}
	return dispatch.Summary{}, false
}

func newTestServer(t *testing.T, cfg Config, cy *fakeCycles) (*Server, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	s, err := New(cfg, Deps{
		Cycles:    cy,
		Items:     st,
		Watermark: st,
		Status:    func() map[string]any { return map[string]any{"scheduler": "on"} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, st
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, target, err, rr.Body.String())
		}
	}
	return rr, body
}

func TestNewRefusesOpenNonLoopback(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Addr: "0.0.0.0:8080"}, Deps{}); err == nil {
		t.Fatalf("expected error for non-loopback addr without token")
	}
	if _, err := New(Config{Addr: "0.0.0.0:8080", Token: "x"}, Deps{}); err != nil {
		t.Fatalf("token set: %v", err)
	}
	if _, err := New(Config{Addr: ":8080", AllowInsecure: true}, Deps{}); err != nil {
		t.Fatalf("allow_insecure: %v", err)
	}
	if _, err := New(Config{}, Deps{}); err != nil {
		t.Fatalf("default addr: %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":8080", false},
		{"0.0.0.0:80", false},
		{"10.0.0.1:80", false},
		{"nonsense", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", tc.addr, got, tc.want)
		}
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{Token: "sekret"}, &fakeCycles{})
	h := s.Handler()

	rr, _ := do(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate")
	}
	rr, _ = do(t, h, http.MethodGet, "/healthz", map[string]string{"Authorization": "Bearer wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status=%d", rr.Code)
	}
	rr, _ = do(t, h, http.MethodGet, "/healthz", map[string]string{"Authorization": "Bearer sekret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("bearer: status=%d", rr.Code)
	}
	rr, _ = do(t, h, http.MethodGet, "/healthz?token=sekret", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("query token: status=%d", rr.Code)
	}
}

func TestUpdateAsync(t *testing.T) {
	t.Parallel()
	cy := &fakeCycles{}
	s, _ := newTestServer(t, Config{}, cy)
	h := s.Handler()

	rr, body := do(t, h, http.MethodPost, "/api/update", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d", rr.Code)
	}
	if body["cycle_id"] != "cyc-1" {
		t.Fatalf("cycle_id=%v", body["cycle_id"])
	}
	if len(cy.trigs) != 1 || cy.trigs[0] != "http" {
		t.Fatalf("triggers=%v", cy.trigs)
	}

	cy.busy, cy.running = true, "cyc-0"
	rr, body = do(t, h, http.MethodPost, "/api/update", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("busy status=%d", rr.Code)
	}
	if body["cycle_id"] != "cyc-0" {
		t.Fatalf("busy cycle_id=%v", body["cycle_id"])
	}
}

func TestUpdateWait(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		sum  dispatch.Summary
		want int
	}{
		{"ok", dispatch.Summary{CycleID: "a", Polled: 2, Committed: 2}, http.StatusOK},
		{"partial", dispatch.Summary{CycleID: "b", Polled: 2, Committed: 1, Err: errors.New("store down"), Error: "store down"}, http.StatusOK},
		{"aborted", dispatch.Summary{CycleID: "c", Err: errors.New("source down"), Error: "source down"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, Config{}, &fakeCycles{once: tc.sum})
			rr, body := do(t, s.Handler(), http.MethodPost, "/api/update?wait=true", nil)
			if rr.Code != tc.want {
				t.Fatalf("status=%d want %d", rr.Code, tc.want)
			}
			if body["cycle_id"] != tc.sum.CycleID {
				t.Fatalf("cycle_id=%v", body["cycle_id"])
			}
		})
	}
}

func TestItemsAndWatermark(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, Config{}, &fakeCycles{})
	h := s.Handler()
	ctx := context.Background()

	rr, body := do(t, h, http.MethodGet, "/api/watermark", nil)
	if rr.Code != http.StatusOK || body["set"] != false {
		t.Fatalf("empty watermark: %d %v", rr.Code, body)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"v1", "v2", "v3"} {
		if _, err := st.Insert(ctx, storage.ItemRecord{ItemID: id, Title: id, PublishedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := st.Set(ctx, storage.Watermark{ItemID: "v3", PublishedAt: base.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("set: %v", err)
	}

	rr, body = do(t, h, http.MethodGet, "/api/items?limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("items status=%d", rr.Code)
	}
	if n, _ := body["count"].(float64); n != 2 {
		t.Fatalf("count=%v", body["count"])
	}

	rr, _ = do(t, h, http.MethodGet, "/api/items?limit=zero", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rr.Code)
	}

	rr, body = do(t, h, http.MethodGet, "/api/items/v2", nil)
	if rr.Code != http.StatusOK || body["item_id"] != "v2" {
		t.Fatalf("item: %d %v", rr.Code, body)
	}
	rr, _ = do(t, h, http.MethodGet, "/api/items/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing item status=%d", rr.Code)
	}

	rr, body = do(t, h, http.MethodGet, "/api/watermark", nil)
	if rr.Code != http.StatusOK || body["item_id"] != "v3" || body["set"] != true {
		t.Fatalf("watermark: %d %v", rr.Code, body)
	}
}

func TestCyclesAndStatus(t *testing.T) {
	t.Parallel()
	cy := &fakeCycles{
		running: "cyc-9",
		hist:    []dispatch.Summary{{CycleID: "cyc-2", Trigger: "schedule"}, {CycleID: "cyc-1", Trigger: "startup"}},
	}
	s, _ := newTestServer(t, Config{}, cy)
	h := s.Handler()

	rr, body := do(t, h, http.MethodGet, "/api/cycles", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cycles status=%d", rr.Code)
	}
	if list, _ := body["cycles"].([]any); len(list) != 2 {
		t.Fatalf("cycles=%v", body["cycles"])
	}

	rr, body = do(t, h, http.MethodGet, "/api/cycles/cyc-1", nil)
	if rr.Code != http.StatusOK || body["trigger"] != "startup" {
		t.Fatalf("cycle: %d %v", rr.Code, body)
	}
	rr, _ = do(t, h, http.MethodGet, "/api/cycles/cyc-9", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("running cycle status=%d", rr.Code)
	}
	rr, _ = do(t, h, http.MethodGet, "/api/cycles/unknown", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown cycle status=%d", rr.Code)
	}

	rr, body = do(t, h, http.MethodGet, "/api/status", nil)
	if rr.Code != http.StatusOK || body["scheduler"] != "on" || body["running"] != true {
		t.Fatalf("status: %d %v", rr.Code, body)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	off, _ := newTestServer(t, Config{}, &fakeCycles{})
	rr, _ := do(t, off.Handler(), http.MethodGet, "/debug/pprof/cmdline", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: status=%d", rr.Code)
	}
	on, _ := newTestServer(t, Config{Pprof: true}, &fakeCycles{})
	rr, _ = do(t, on.Handler(), http.MethodGet, "/debug/pprof/cmdline", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pprof enabled: status=%d", rr.Code)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"}, &fakeCycles{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatalf("server never listened")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}
