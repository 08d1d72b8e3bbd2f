package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/model-history/model-history/internal/history"
)

const (
	// UserIDHeader carries the acting user's id. Authentication happens upstream of this service.
	UserIDHeader = "X-User-ID"

	// ContextSlugHeader switches the request to a slug context identified by the header value,
	// for callers grouping records under a job or migration name instead of the route.
	ContextSlugHeader = "X-History-Context-Slug"

	// maxContextSlugLength matches the context_slug column.
	maxContextSlugLength = 255

	// UserIDKey is the gin.Context key holding the acting user's id.
	UserIDKey = "user_id"

	// OperationContextKey is the gin.Context key holding the request's *history.OperationContext.
	OperationContextKey = "history_context"

	// ContextPlugin is the plugin name recorded in the controller context of API requests.
	ContextPlugin = "api"
)

// HistoryContextMiddleware attaches the controller context shared by every record a request
// writes. The controller is the route group, the action is the bare handler function name, and
// the request id, route and path parameters become context params:
//
//	{"type": "controller", "namespace": ns, "params": {"plugin": "api", "controller": "history",
//	 "action": "RecordChange", "model": "Articles", ...}, "method": "POST"}
//
// The acting user is read from X-User-ID. A non-empty X-History-Context-Slug replaces the
// controller context with a slug context: {"type": "slug", "namespace": ns}.
func HistoryContextMiddleware(namespace, controller string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.GetHeader(UserIDHeader)); userID != "" {
			c.Set(UserIDKey, userID)
		}

		if slug := strings.TrimSpace(c.GetHeader(ContextSlugHeader)); slug != "" {
			if len(slug) > maxContextSlugLength {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ContextSlugHeader + " is too long"})
				return
			}
			opctx, err := history.NewSlugContext(namespace, slug)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.Set(OperationContextKey, opctx)
			c.Next()
			return
		}

		params := make(map[string]any, len(c.Params)+2)
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}
		if id := RequestID(c); id != "" {
			params["request_id"] = id
		}
		if route := c.FullPath(); route != "" {
			params["route"] = route
		}

		opctx := history.NewControllerContext(namespace, history.ControllerRequest{
			Method:     c.Request.Method,
			Plugin:     ContextPlugin,
			Controller: controller,
			Action:     handlerAction(c.HandlerName()),
			Params:     params,
		}, "")
		c.Set(OperationContextKey, opctx)

		c.Next()
	}
}

// OperationContext returns the context stored by HistoryContextMiddleware, or nil.
func OperationContext(c *gin.Context) *history.OperationContext {
	v, ok := c.Get(OperationContextKey)
	if !ok {
		return nil
	}
	opctx, _ := v.(*history.OperationContext)
	return opctx
}

// handlerAction reduces a Gin handler name such as
// github.com/x/y/internal/api/history.(*Handler).RecordChange-fm to RecordChange. Closure
// suffixes like .func1 are dropped so HandlerFunc constructors report their own name.
func handlerAction(name string) string {
	parts := strings.Split(strings.TrimSuffix(name, "-fm"), ".")
	for len(parts) > 1 && isClosureSuffix(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	action := parts[len(parts)-1]
	if action == "" {
		return "unknown"
	}
	return action
}

func isClosureSuffix(s string) bool {
	if !strings.HasPrefix(s, "func") || len(s) == len("func") {
		return false
	}
	for _, r := range s[len("func"):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
