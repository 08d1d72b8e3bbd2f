package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/model-history/model-history/internal/history"
)

type historyHandler struct {
	got *history.OperationContext
	uid string
}

func (h *historyHandler) RecordChange(c *gin.Context) {
	h.got = OperationContext(c)
	h.uid = c.GetString(UserIDKey)
	c.Status(http.StatusCreated)
}

func TestHistoryContextMiddleware_BuildsControllerContext(t *testing.T) {
	h := &historyHandler{}
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.POST("/history/:model/:foreign_key/changes", HistoryContextMiddleware("model-history", "history"), h.RecordChange)

	req := httptest.NewRequest(http.MethodPost, "/history/Articles/a1/changes", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	req.Header.Set(UserIDHeader, " u-7 ")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if h.got == nil {
		t.Fatal("operation context not stored")
	}
	if h.uid != "u-7" {
		t.Errorf("user id = %q, want u-7", h.uid)
	}
	if h.got.ContextType() != string(history.ContextController) {
		t.Errorf("context type = %q, want controller", h.got.ContextType())
	}
	if h.got.ContextSlug() != "api/history/RecordChange" {
		t.Errorf("slug = %q, want api/history/RecordChange", h.got.ContextSlug())
	}

	data := h.got.Context()
	if ns, _ := data.Get("namespace"); ns != "model-history" {
		t.Errorf("namespace = %v, want model-history", ns)
	}
	if m, _ := data.Get("method"); m != http.MethodPost {
		t.Errorf("method = %v, want POST", m)
	}
	raw, _ := data.Get("params")
	params, ok := raw.(map[string]any)
	if !ok {
		t.Fatalf("params = %T, want map", raw)
	}
	want := map[string]any{
		"plugin": "api", "controller": "history", "action": "RecordChange",
		"model": "Articles", "foreign_key": "a1", "request_id": "req-1",
		"route": "/history/:model/:foreign_key/changes",
	}
	for k, v := range want {
		if params[k] != v {
			t.Errorf("params[%s] = %v, want %v", k, params[k], v)
		}
	}
}

func TestHistoryContextMiddleware_NoUser(t *testing.T) {
	h := &historyHandler{}
	r := gin.New()
	r.POST("/x", HistoryContextMiddleware("ns", "history"), h.RecordChange)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	if h.uid != "" {
		t.Errorf("user id = %q, want empty", h.uid)
	}
	if h.got == nil {
		t.Error("operation context not stored")
	}
}

func TestHistoryContextMiddleware_SlugHeader(t *testing.T) {
	h := &historyHandler{}
	r := gin.New()
	r.POST("/x", HistoryContextMiddleware("ns", "history"), h.RecordChange)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(ContextSlugHeader, " nightly-cleanup ")
	req.Header.Set(UserIDHeader, "u-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if h.got == nil {
		t.Fatal("operation context not stored")
	}
	if h.got.ContextType() != string(history.ContextSlug) {
		t.Errorf("context type = %q, want slug", h.got.ContextType())
	}
	if h.got.ContextSlug() != "nightly-cleanup" {
		t.Errorf("slug = %q, want nightly-cleanup", h.got.ContextSlug())
	}
	if keys := h.got.Context().Keys(); len(keys) != 2 {
		t.Errorf("context keys = %v, want only type and namespace", keys)
	}
	if h.uid != "u-1" {
		t.Errorf("user id = %q, want u-1", h.uid)
	}
}

func TestHistoryContextMiddleware_SlugHeaderTooLong(t *testing.T) {
	h := &historyHandler{}
	r := gin.New()
	r.POST("/x", HistoryContextMiddleware("ns", "history"), h.RecordChange)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(ContextSlugHeader, strings.Repeat("s", maxContextSlugLength+1))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if h.got != nil {
		t.Error("handler ran for a rejected slug")
	}
}

func TestOperationContext_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if OperationContext(c) != nil {
		t.Error("OperationContext() != nil without middleware")
	}
}

func TestHandlerAction(t *testing.T) {
	tests := map[string]string{
		"github.com/x/internal/api/history.(*Handler).RecordChange-fm": "RecordChange",
		"github.com/x/internal/api.healthHandler.func1":                "healthHandler",
		"github.com/x/internal/api.readyHandler.func2.func1":           "readyHandler",
		"main.run":                                                     "run",
		"":                                                             "unknown",
	}
	for in, want := range tests {
		if got := handlerAction(in); got != want {
			t.Errorf("handlerAction(%q) = %q, want %q", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// LoggerMiddleware
// ---------------------------------------------------------------------------

func TestLoggerMiddleware_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := gin.New()
	r.Use(RequestIDMiddleware(), LoggerMiddleware(logger))
	r.GET("/ok", func(c *gin.Context) { c.Set(UserIDKey, "u-1"); c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/missing", "/boom"} {
		req := httptest.NewRequest(http.MethodGet, path+"?page=2", nil)
		req.Header.Set(RequestIDHeader, "rid"+path)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	want := []struct {
		path, level string
	}{{"/ok", "INFO"}, {"/missing", "WARN"}, {"/boom", "ERROR"}}

	dec := json.NewDecoder(&buf)
	for _, w := range want {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if line["path"] != w.path || line["level"] != w.level {
			t.Errorf("line = %v, want path %s at %s", line, w.path, w.level)
		}
		if line["request_id"] != "rid"+w.path {
			t.Errorf("request_id = %v, want rid%s", line["request_id"], w.path)
		}
		if line["query"] != "page=2" {
			t.Errorf("query = %v, want page=2", line["query"])
		}
		if w.path == "/ok" && line["user_id"] != "u-1" {
			t.Errorf("user_id = %v, want u-1", line["user_id"])
		}
	}
}
