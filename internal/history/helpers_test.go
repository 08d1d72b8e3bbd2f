package history_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/history/memstore"
)

// ---- shared test data -------------------------------------------------------

const (
	articleID = "7997df22-ed8e-4703-b971-d9514179904b"
	userID    = "e5fba0df-33cf-46dc-9940-5f16382a9bd3"
	itemID    = "80cd952f-f410-4e25-9323-11922e90ee0b"
)

func articlesConfig() *history.ModelConfig {
	return &history.ModelConfig{
		Model:        "Articles",
		DisplayField: "title",
		Fields: []history.FieldConfig{
			{Name: "id", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "title", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "content", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "status", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "published", Type: history.TypeBool, Saveable: true, Searchable: true},
			{Name: "summary", Type: history.TypeString, Saveable: true},
			{Name: "user_id", Type: history.TypeAssociation, Saveable: true, Searchable: true, AssociationKey: "article_id"},
		},
	}
}

func usersConfig() *history.ModelConfig {
	return &history.ModelConfig{
		Model:        "Users",
		DisplayField: "firstname",
		Fields: []history.FieldConfig{
			{Name: "firstname", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "lastname", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "password", Type: history.TypeString, Saveable: true, Obfuscated: true},
		},
	}
}

func articlesUsersConfig() *history.ModelConfig {
	return &history.ModelConfig{
		Model: "ArticlesUsers",
		Fields: []history.FieldConfig{
			{Name: "article_id", Type: history.TypeAssociation, Saveable: true, Searchable: true, AssociationKey: "user_id"},
			{Name: "user_id", Type: history.TypeAssociation, Saveable: true, Searchable: true, AssociationKey: "article_id"},
		},
	}
}

func itemsConfig() *history.ModelConfig {
	return &history.ModelConfig{
		Model: "Items",
		Fields: []history.FieldConfig{
			{Name: "name", Type: history.TypeString, Saveable: true, Searchable: true},
			{Name: "articles", Type: history.TypeMassAssociation, Saveable: true, Searchable: true},
		},
	}
}

// ---- fixture ----------------------------------------------------------------

type fixture struct {
	store    *memstore.Store
	configs  *history.StaticFieldConfig
	registry *history.Registry
	svc      *history.Service
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, models []*history.ModelConfig, opts ...history.ServiceOption) *fixture {
	t.Helper()
	if models == nil {
		models = []*history.ModelConfig{articlesConfig(), usersConfig(), articlesUsersConfig(), itemsConfig()}
	}
	store := memstore.New()
	configs := history.NewStaticFieldConfig(models...)
	registry := history.NewRegistry(configs, store.Entities())

	base := []history.ServiceOption{
		history.WithSnapshotWriter(store),
		history.WithRecorderOptions(history.WithClock(func() time.Time { return fixedNow })),
	}
	svc := history.NewService(configs, registry, store, store.Entities(), append(base, opts...)...)
	return &fixture{store: store, configs: configs, registry: registry, svc: svc}
}

func (f *fixture) record(t *testing.T, ch history.Change) *history.AuditRecord {
	t.Helper()
	rec, err := f.svc.Record(context.Background(), ch)
	require.NoError(t, err)
	return rec
}

func (f *fixture) count(t *testing.T, model, foreignKey string) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), history.HistoryQuery{Model: model, ForeignKey: foreignKey})
	require.NoError(t, err)
	return n
}

func (f *fixture) all(t *testing.T, model, foreignKey string) []*history.AuditRecord {
	t.Helper()
	recs, err := f.store.List(context.Background(), history.HistoryQuery{Model: model, ForeignKey: foreignKey})
	require.NoError(t, err)
	return recs
}

func createArticle(t *testing.T, f *fixture, snapshot history.Snapshot) *history.AuditRecord {
	t.Helper()
	return f.record(t, history.Change{
		Model:      "Articles",
		ForeignKey: articleID,
		Action:     history.ActionCreate,
		Snapshot:   snapshot,
	})
}

// updateArticle applies changes to the stored article snapshot and records them as dirty fields.
func updateArticle(t *testing.T, f *fixture, changes history.Snapshot) *history.AuditRecord {
	t.Helper()
	current, err := f.store.GetEntity(context.Background(), "Articles", articleID)
	require.NoError(t, err)
	dirty := make([]string, 0, len(changes))
	for k, v := range changes {
		current[k] = v
		dirty = append(dirty, k)
	}
	return f.record(t, history.Change{
		Model:       "Articles",
		ForeignKey:  articleID,
		Action:      history.ActionUpdate,
		Snapshot:    current,
		DirtyFields: dirty,
	})
}

// ---- fakes ------------------------------------------------------------------

type mapTranslator map[string]string

func (m mapTranslator) Translate(model, field string) (string, bool) {
	label, ok := m[history.LocaleSlug(model, field)]
	return label, ok
}

type captureShipper struct {
	mu      sync.Mutex
	shipped []*history.AuditRecord
	done    chan struct{}
}

func newCaptureShipper() *captureShipper {
	return &captureShipper{done: make(chan struct{}, 16)}
}

func (c *captureShipper) Ship(_ context.Context, rec *history.AuditRecord) error {
	c.mu.Lock()
	c.shipped = append(c.shipped, rec)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *captureShipper) wait(t *testing.T, n int) []*history.AuditRecord {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("shipped %d of %d records before timeout", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*history.AuditRecord(nil), c.shipped...)
}
