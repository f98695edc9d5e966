package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"seedhammer.com/axidraw"
	"seedhammer.com/motion"
	"seedhammer.com/queue"
	"seedhammer.com/serial"
	"seedhammer.com/servo"
)

func newTestServer(t *testing.T) (*Server, *axidraw.Facade) {
	t.Helper()
	sim := serial.NewSimulator("3.0.1")
	drv, err := serial.NewWithPort(context.Background(), serial.Config{}, sim)
	if err != nil {
		t.Fatalf("NewWithPort: %v", err)
	}
	t.Cleanup(func() { drv.Disconnect() })
	cfg := axidraw.DefaultConfig(motion.Models["V3"], servo.Standard)
	facade := axidraw.New(drv, cfg)
	if err := facade.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	q := queue.New(queue.Config{Execute: facade.Execute})
	t.Cleanup(q.Close)
	s := New(Config{Facade: facade, Driver: drv, Queue: q})
	return s, facade
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var m map[string]any
	if resp.ContentLength != 0 {
		json.NewDecoder(resp.Body).Decode(&m)
	}
	return resp.StatusCode, m
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	code, m := doJSON(t, srv, http.MethodGet, "/health", nil)
	if code != http.StatusOK || m["status"] != "ok" {
		t.Fatalf("health = %d %+v", code, m)
	}
}

func TestStatusReportsPositionAndPen(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	code, m := doJSON(t, srv, http.MethodGet, "/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if _, ok := m["position"]; !ok {
		t.Fatalf("status missing position: %+v", m)
	}
	if _, ok := m["pen"]; !ok {
		t.Fatalf("status missing pen: %+v", m)
	}
}

func TestMoveUpdatesPosition(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	code, m := doJSON(t, srv, http.MethodPost, "/move", map[string]any{"dx": 10, "dy": 0, "units": "mm"})
	if code != http.StatusOK {
		t.Fatalf("move code = %d body=%+v", code, m)
	}
	if x, _ := m["x"].(float64); x <= 0 {
		t.Fatalf("expected x to advance, got %+v", m)
	}
}

func TestMoveCoalescesWithinWindow(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	results := make(chan map[string]any, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, m := doJSON(t, srv, http.MethodPost, "/move?coalesce=200", map[string]any{"dx": 5, "dy": 0, "units": "mm"})
			results <- m
		}()
	}
	a := <-results
	b := <-results
	if a["x"] != b["x"] {
		t.Fatalf("coalesced requests should observe the same resulting position, got %+v and %+v", a, b)
	}
}

func TestPenUpDown(t *testing.T) {
	s, facade := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	code, _ := doJSON(t, srv, http.MethodPost, "/pen/down", nil)
	if code != http.StatusOK {
		t.Fatalf("pen down code = %d", code)
	}
	if facade.PenState() != servo.PenDown {
		t.Fatalf("pen state = %v, want down", facade.PenState())
	}
	code, _ = doJSON(t, srv, http.MethodPost, "/pen/up", nil)
	if code != http.StatusOK {
		t.Fatalf("pen up code = %d", code)
	}
	if facade.PenState() != servo.PenUp {
		t.Fatalf("pen state = %v, want up", facade.PenState())
	}
}

func TestQueueAddAndList(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	code, m := doJSON(t, srv, http.MethodPost, "/queue", map[string]any{
		"commands": []map[string]any{{"op": "home"}},
	})
	if code != http.StatusOK {
		t.Fatalf("queue add code = %d body=%+v", code, m)
	}
	if _, ok := m["id"]; !ok {
		t.Fatalf("expected job preview with id, got %+v", m)
	}
}

func TestSVGRequiresBody(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	code, m := doJSON(t, srv, http.MethodPost, "/svg", map[string]any{"svg": ""})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty svg, got %d %+v", code, m)
	}
}

func TestSVGPreviewReturnsPNG(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	svg := `<svg><line x1="0" y1="0" x2="10" y2="10"/></svg>`
	b, _ := json.Marshal(map[string]string{"svg": svg})
	resp, err := http.Post(srv.URL+"/svg/preview", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview code = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestBatchStopsAtFirstError(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	body := map[string]any{
		"commands": []map[string]any{
			{"endpoint": "/pen/down", "body": json.RawMessage(`{}`)},
			{"endpoint": "/svg", "body": json.RawMessage(`{"svg":""}`)},
		},
	}
	code, _ := doJSON(t, srv, http.MethodPost, "/batch", body)
	if code != http.StatusBadRequest {
		t.Fatalf("batch should surface first error's status, got %d", code)
	}
}

func TestPortsListReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ports")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ports code = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight code = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
