// Package history serves the HTTP surface of the revisioning engine: recording change events and
// comments, and reading an entity's history, its diffs and its live state.
package history

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"golang.org/x/sync/errgroup"

	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/middleware"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Snapshot and data numbers bind as json.Number, the same representation the stores read back.
func init() {
	binding.EnableDecoderUseNumber = true
}

// Handler handles history endpoints
type Handler struct {
	service *history.Service
	configs history.FieldConfigProvider
}

// NewHandler creates a new history handler
func NewHandler(service *history.Service, configs history.FieldConfigProvider) *Handler {
	return &Handler{service: service, configs: configs}
}

// ChangeRequest is a change event reported by the application owning the entity
type ChangeRequest struct {
	Action      string         `json:"action" binding:"required"`
	Snapshot    map[string]any `json:"snapshot"`
	DirtyFields []string       `json:"dirty_fields"`
	Data        map[string]any `json:"data"`
	UserID      string         `json:"user_id"`
	// SaveHash joins this change to other records of the same save
	SaveHash string `json:"save_hash"`
}

// CommentRequest is a free text comment on an entity
type CommentRequest struct {
	Comment string `json:"comment" binding:"required"`
	UserID  string `json:"user_id"`
}

// Pagination describes one page of a history listing
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

// HistoryResponse is one page of an entity's history
type HistoryResponse struct {
	Records    []*history.AuditRecord `json:"model_history"`
	Pagination Pagination             `json:"pagination"`
}

// DiffResponse is a record together with its diff against the live entity
type DiffResponse struct {
	Record *history.AuditRecord `json:"record"`
	Diff   *history.Diff        `json:"diff"`
}

// RecordChange records a change event on an entity
// POST /api/v1/history/:model/:foreign_key/changes
func (h *Handler) RecordChange(c *gin.Context) {
	var req ChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action := history.Action(strings.ToLower(req.Action))
	if !action.Valid() || action == history.ActionComment {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be create, update or delete"})
		return
	}

	rec, err := h.service.Record(c.Request.Context(), history.Change{
		Model:       c.Param("model"),
		ForeignKey:  c.Param("foreign_key"),
		Action:      action,
		UserID:      actingUser(c, req.UserID),
		Snapshot:    req.Snapshot,
		DirtyFields: req.DirtyFields,
		Data:        req.Data,
		Context:     operationContext(c),
		SaveHash:    req.SaveHash,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if rec == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// AddComment records a comment on an entity
// POST /api/v1/history/:model/:foreign_key/comments
func (h *Handler) AddComment(c *gin.Context) {
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.service.AddComment(c.Request.Context(), c.Param("model"), c.Param("foreign_key"),
		req.Comment, actingUser(c, req.UserID), operationContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListHistory returns one page of an entity's history, newest first
// GET /api/v1/history/:model/:foreign_key
func (h *Handler) ListHistory(c *gin.Context) {
	q, err := h.historyQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var (
		records []*history.AuditRecord
		total   int
	)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		var err error
		records, err = h.service.GetHistory(ctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = h.service.GetHistoryCount(ctx, q)
		return err
	})
	if err := g.Wait(); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, HistoryResponse{
		Records:    records,
		Pagination: Pagination{Page: q.Page, PerPage: q.PageSize, Total: total},
	})
}

// CountHistory returns the number of records in an entity's history
// GET /api/v1/history/:model/:foreign_key/count
func (h *Handler) CountHistory(c *gin.Context) {
	q, err := h.historyQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	total, err := h.service.GetHistoryCount(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": total})
}

// GetEntity returns the live entity with its complete history
// GET /api/v1/history/:model/:foreign_key/entity
func (h *Handler) GetEntity(c *gin.Context) {
	model := c.Param("model")
	if err := h.knownModel(model); err != nil {
		respondError(c, err)
		return
	}
	ewh, err := h.service.GetEntityWithHistory(c.Request.Context(), model, c.Param("foreign_key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ewh)
}

// GetRecord returns one history record
// GET /api/v1/records/:id
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.service.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetRecordDiff compares a history record with the live state of its entity
// GET /api/v1/records/:id/diff
func (h *Handler) GetRecordDiff(c *gin.Context) {
	rec, diff, err := h.service.DiffRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, DiffResponse{Record: rec, Diff: diff})
}

func (h *Handler) knownModel(model string) error {
	if h.configs == nil {
		return nil
	}
	_, err := h.configs.ModelConfig(model)
	return err
}

// historyQuery reads paging and filters from the query string.
func (h *Handler) historyQuery(c *gin.Context) (history.HistoryQuery, error) {
	q := history.HistoryQuery{
		Model:      c.Param("model"),
		ForeignKey: c.Param("foreign_key"),
		Page:       1,
		PageSize:   defaultPerPage,
	}
	if err := h.knownModel(q.Model); err != nil {
		return q, err
	}

	if v := c.Query("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return q, &history.ValidationError{Field: "page", Message: "must be a positive integer"}
		}
		q.Page = page
	}
	if v := c.Query("per_page"); v != "" {
		perPage, err := strconv.Atoi(v)
		if err != nil || perPage < 1 {
			return q, &history.ValidationError{Field: "per_page", Message: "must be a positive integer"}
		}
		q.PageSize = min(perPage, maxPerPage)
	}
	if v := c.Query("include_associated"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			return q, &history.ValidationError{Field: "include_associated", Message: "must be a boolean"}
		}
		q.IncludeAssociated = include
	}

	if v := c.Query("action"); v != "" {
		action := history.Action(strings.ToLower(v))
		if !action.Valid() {
			return q, &history.ValidationError{Field: "action", Message: "unknown action " + v}
		}
		q.Filters.Action = action
	}
	q.Filters.UserID = c.Query("user_id")
	if v := c.Query("context_type"); v != "" {
		if _, err := history.ParseContextType(v); err != nil {
			return q, err
		}
		q.Filters.ContextType = v
	}

	var err error
	if q.Filters.CreatedFrom, err = timeParam(c, "created_from"); err != nil {
		return q, err
	}
	if q.Filters.CreatedTo, err = timeParam(c, "created_to"); err != nil {
		return q, err
	}
	return q, nil
}

func timeParam(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &history.ValidationError{Field: name, Message: "must be an RFC 3339 timestamp"}
	}
	return &t, nil
}

// actingUser prefers the user named in the body over the X-User-ID header.
func actingUser(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetString(middleware.UserIDKey)
}

// operationContext returns the request's context as a provider, or a nil interface.
func operationContext(c *gin.Context) history.ContextProvider {
	if opctx := middleware.OperationContext(c); opctx != nil {
		return opctx
	}
	return nil
}

func respondError(c *gin.Context, err error) {
	var cfgErr *history.ConfigurationError
	switch {
	case history.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, history.ErrUnknownModel),
		errors.Is(err, history.ErrRecordNotFound),
		errors.Is(err, history.ErrEntityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, history.ErrRevisionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent change to the same entity, retry the request"})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	case errors.As(err, &cfgErr):
		slog.Error("field configuration error", "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "field configuration error"})
	default:
		slog.Error("history request failed", "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
