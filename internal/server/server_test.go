package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/engine"
	"github.com/hollisfrank/mnemo/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng := engine.New(db, config.Default(), nil)
	eng.SetEmbedder(engine.NewHashingEmbedder(64))
	return New(db, eng, nil, "test-version")
}

// do runs one request against the server and decodes the JSON body into out.
func do(t *testing.T, srv *Server, method, path string, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v; body: %s", method, path, err, w.Body.String())
		}
	}
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	var body map[string]any
	w := do(t, srv, "GET", "/api/health", "", &body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)

	do(t, srv, "POST", "/api/memories/", `{"content":"stat me"}`, nil)

	var stats map[string]any
	w := do(t, srv, "GET", "/api/stats", "", &stats)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	mem, ok := stats["memories"].(map[string]any)
	if !ok || mem["total"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}
}
