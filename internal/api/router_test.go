package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/model-history/model-history/internal/config"
	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/history/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		History: config.HistoryConfig{Namespace: "test"},
		RateLimit: config.RateLimitConfig{
			Enabled: true,
			Read:    config.LimitConfig{RequestsPerMinute: 600, Burst: 100},
			Write:   config.LimitConfig{RequestsPerMinute: 60, Burst: 2},
		},
	}
}

func testDeps(cfg *config.Config, models ...*history.ModelConfig) Dependencies {
	store := memstore.New()
	fields := history.NewStaticFieldConfig(models...)
	svc := history.NewService(fields, history.NewRegistry(fields, store.Entities()), store, store.Entities(),
		history.WithSnapshotWriter(store))
	return Dependencies{Config: cfg, Service: svc, Fields: fields}
}

func articles() *history.ModelConfig {
	return &history.ModelConfig{
		Model: "Articles",
		Fields: []history.FieldConfig{
			{Name: "title", Type: history.TypeString, Saveable: true, Searchable: true},
		},
	}
}

func serve(t *testing.T, r *gin.Engine, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		db       Pinger
		wantCode int
	}{
		{"memory driver", nil, http.StatusOK},
		{"database up", fakePinger{}, http.StatusOK},
		{"database down", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", healthCheckHandler(tt.db))
			w := serve(t, r, http.MethodGet, "/health", "")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func TestReadiness(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		deps := testDeps(testConfig(), articles())
		deps.DB = fakePinger{}
		r := gin.New()
		r.GET("/ready", readinessHandler(deps))

		w := serve(t, r, http.MethodGet, "/ready", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		checks := decodeBody(t, w)["checks"].(map[string]interface{})
		if checks["database"] != "healthy" || checks["field_config"] != "loaded" {
			t.Errorf("checks = %v", checks)
		}
	})

	t.Run("database down", func(t *testing.T) {
		deps := testDeps(testConfig(), articles())
		deps.DB = fakePinger{err: errors.New("down")}
		r := gin.New()
		r.GET("/ready", readinessHandler(deps))

		w := serve(t, r, http.MethodGet, "/ready", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
		if got := decodeBody(t, w)["ready"]; got != false {
			t.Errorf("ready = %v, want false", got)
		}
	})

	t.Run("no models configured", func(t *testing.T) {
		deps := testDeps(testConfig())
		r := gin.New()
		r.GET("/ready", readinessHandler(deps))

		w := serve(t, r, http.MethodGet, "/ready", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())
	w := serve(t, r, http.MethodGet, "/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["version"] != Version || body["api_version"] != "v1" {
		t.Errorf("body = %v", body)
	}
}

// ---------------------------------------------------------------------------
// NewRouter
// ---------------------------------------------------------------------------

func TestNewRouter_RecordsWithControllerContext(t *testing.T) {
	router, bg := NewRouter(testDeps(testConfig(), articles()))
	t.Cleanup(bg.Shutdown)

	w := serve(t, router, http.MethodPost, "/api/v1/history/Articles/a1/changes",
		`{"action":"create","snapshot":{"title":"foobar"}}`, "X-User-ID", "user-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	body := decodeBody(t, w)
	ctx := body["context"].(map[string]interface{})
	if ctx["namespace"] != "test" {
		t.Errorf("context namespace = %v, want test", ctx["namespace"])
	}
	params := ctx["params"].(map[string]interface{})
	if params["controller"] != "history" || params["action"] != "RecordChange" {
		t.Errorf("context params = %v", params)
	}
	if params["route"] != "/api/v1/history/:model/:foreign_key/changes" {
		t.Errorf("route = %v", params["route"])
	}

	id := body["id"].(string)
	w = serve(t, router, http.MethodGet, "/api/v1/records/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("GET record: status = %d, want 200", w.Code)
	}
	w = serve(t, router, http.MethodGet, "/api/v1/history/Articles/a1/count", "")
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestNewRouter_WriteRateLimit(t *testing.T) {
	router, bg := NewRouter(testDeps(testConfig(), articles()))
	t.Cleanup(bg.Shutdown)

	post := func() *httptest.ResponseRecorder {
		return serve(t, router, http.MethodPost, "/api/v1/history/Articles/a1/comments",
			`{"comment":"hello"}`, "X-User-ID", "chatty")
	}
	for i := 0; i < 2; i++ {
		if w := post(); w.Code != http.StatusCreated {
			t.Fatalf("request %d: status = %d, want 201", i+1, w.Code)
		}
	}
	w := post()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set")
	}

	// Reads draw from their own budget.
	if w := serve(t, router, http.MethodGet, "/api/v1/history/Articles/a1", "", "X-User-ID", "chatty"); w.Code != http.StatusOK {
		t.Errorf("read after write limit: status = %d, want 200", w.Code)
	}
	// Other users keep theirs.
	if w := serve(t, router, http.MethodPost, "/api/v1/history/Articles/a1/comments",
		`{"comment":"hi"}`, "X-User-ID", "quiet"); w.Code != http.StatusCreated {
		t.Errorf("other user: status = %d, want 201", w.Code)
	}
}

func TestNewRouter_RateLimitDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: false}
	router, bg := NewRouter(testDeps(cfg, articles()))
	t.Cleanup(bg.Shutdown)

	for i := 0; i < 5; i++ {
		w := serve(t, router, http.MethodPost, "/api/v1/history/Articles/a1/comments", `{"comment":"x"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("request %d: status = %d, want 201", i+1, w.Code)
		}
	}
	if len(bg.rateLimiters) != 0 {
		t.Errorf("rateLimiters = %d, want 0", len(bg.rateLimiters))
	}
}

func TestNewRouter_UnknownRoute(t *testing.T) {
	router, bg := NewRouter(testDeps(testConfig(), articles()))
	t.Cleanup(bg.Shutdown)

	if w := serve(t, router, http.MethodGet, "/api/v1/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
