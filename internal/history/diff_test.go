package history_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/model-history/model-history/internal/history"
)

// threeUpdates creates an article and then changes its title, its content and its status, one
// revision each.
func threeUpdates(t *testing.T, f *fixture) []*history.AuditRecord {
	t.Helper()
	return []*history.AuditRecord{
		createArticle(t, f, history.Snapshot{"id": articleID, "title": "foobar", "content": "lorem", "status": "draft"}),
		updateArticle(t, f, history.Snapshot{"title": "changed title"}),
		updateArticle(t, f, history.Snapshot{"content": "ipsum"}),
		updateArticle(t, f, history.Snapshot{"status": "published"}),
	}
}

func TestBuildDiff_FirstRevisionIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[0])
	require.NoError(t, err)
	assert.Empty(t, diff.Changed)
	assert.Empty(t, diff.ChangedBefore)
	assert.Empty(t, diff.Unchanged)
	assert.NotNil(t, diff.Changed)
}

func TestBuildDiff_LastUpdate(t *testing.T) {
	f := newFixture(t, nil)
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[3])
	require.NoError(t, err)

	assert.Equal(t, map[string]history.ValueChange{
		"status": {Old: "draft", New: "published"},
	}, diff.Changed)
	assert.Equal(t, map[string]history.ValueChange{
		"title":   {Old: "foobar", New: "changed title"},
		"content": {Old: "lorem", New: "ipsum"},
	}, diff.ChangedBefore)
	assert.Equal(t, map[string]any{"id": articleID}, diff.Unchanged)
}

func TestBuildDiff_IntermediateUpdate(t *testing.T) {
	f := newFixture(t, nil)
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[1])
	require.NoError(t, err)

	assert.Equal(t, map[string]history.ValueChange{
		"title": {Old: "foobar", New: "changed title"},
	}, diff.Changed)
	assert.Equal(t, map[string]history.ValueChange{
		"content": {Old: "lorem", New: "ipsum"},
		"status":  {Old: "draft", New: "published"},
	}, diff.ChangedBefore)
	assert.Equal(t, map[string]any{"id": articleID}, diff.Unchanged)
}

func TestBuildDiff_NeverRecordedFieldsAreAbsent(t *testing.T) {
	f := newFixture(t, nil)
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[2])
	require.NoError(t, err)
	for _, field := range []string{"summary", "published", "user_id"} {
		assert.NotContains(t, diff.Changed, field)
		assert.NotContains(t, diff.ChangedBefore, field)
		assert.NotContains(t, diff.Unchanged, field)
	}
}

func TestBuildDiff_SkipsUnconfiguredFields(t *testing.T) {
	f := newFixture(t, nil)
	recs := threeUpdates(t, f)

	mc := articlesConfig()
	kept := mc.Fields[:0]
	for _, fc := range mc.Fields {
		if fc.Name != "status" {
			kept = append(kept, fc)
		}
	}
	mc.Fields = kept
	f.configs.Replace(mc, usersConfig())

	diff, err := f.svc.BuildDiff(context.Background(), recs[3])
	require.NoError(t, err)
	assert.Empty(t, diff.Changed)
	assert.NotContains(t, diff.ChangedBefore, "status")
	assert.NotContains(t, diff.Unchanged, "status")
}

func TestBuildDiff_ObfuscatedFieldsShowMarker(t *testing.T) {
	f := newFixture(t, []*history.ModelConfig{obfuscatedStatusConfig(), usersConfig()})
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[1])
	require.NoError(t, err)
	assert.NotContains(t, diff.ChangedBefore, "status")
	assert.Equal(t, history.ObfuscationMarker, diff.Unchanged["status"])

	for _, bucket := range []map[string]history.ValueChange{diff.Changed, diff.ChangedBefore} {
		for _, vc := range bucket {
			assert.NotEqual(t, "draft", vc.Old)
			assert.NotEqual(t, "published", vc.New)
		}
	}
}

func TestBuildDiff_DisplayTransforms(t *testing.T) {
	mc := articlesConfig()
	for i := range mc.Fields {
		if mc.Fields[i].Name == "title" {
			mc.Fields[i].DisplayTransform = func(_ string, value any, _ string) (any, error) {
				return strings.ToUpper(value.(string)), nil
			}
		}
	}
	f := newFixture(t, []*history.ModelConfig{mc, usersConfig()})

	createArticle(t, f, history.Snapshot{"id": articleID, "title": "foobar", "published": false})
	rec := updateArticle(t, f, history.Snapshot{"title": "changed", "published": true})

	diff, err := f.svc.BuildDiff(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, history.ValueChange{Old: "FOOBAR", New: "CHANGED"}, diff.Changed["title"])
	assert.Equal(t, history.ValueChange{Old: "no", New: "yes"}, diff.Changed["published"])
}

func TestBuildDiff_MissingLiveEntity(t *testing.T) {
	f := newFixture(t, nil)
	createArticle(t, f, history.Snapshot{"id": articleID, "title": "foobar"})
	updated := updateArticle(t, f, history.Snapshot{"content": "lorem"})
	require.NoError(t, f.store.DeleteSnapshot(context.Background(), "Articles", articleID))

	diff, err := f.svc.BuildDiff(context.Background(), updated)
	require.NoError(t, err)
	assert.Equal(t, history.ValueChange{Old: "foobar", New: nil}, diff.ChangedBefore["title"])
	assert.Empty(t, diff.Unchanged)
}

func TestBuildDiff_LocalizesLabels(t *testing.T) {
	translator := mapTranslator{
		"article.title":   "Titel",
		"article.content": "Inhalt",
	}
	f := newFixture(t, nil, history.WithDiffOptions(history.WithLocalization(translator)))
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[3])
	require.NoError(t, err)
	assert.Contains(t, diff.ChangedBefore, "Titel")
	assert.Contains(t, diff.ChangedBefore, "Inhalt")
	assert.NotContains(t, diff.ChangedBefore, "title")
	assert.Contains(t, diff.Changed, "status")
	assert.Contains(t, diff.Unchanged, "id")
}

func TestBuildDiff_LabelCollisionKeepsLaterField(t *testing.T) {
	translator := mapTranslator{
		"article.title":   "Text",
		"article.content": "Text",
	}
	f := newFixture(t, nil, history.WithDiffOptions(history.WithLocalization(translator)))
	recs := threeUpdates(t, f)

	diff, err := f.svc.BuildDiff(context.Background(), recs[3])
	require.NoError(t, err)
	require.Len(t, diff.ChangedBefore, 1)
	assert.Equal(t, history.ValueChange{Old: "lorem", New: "ipsum"}, diff.ChangedBefore["Text"])
}

func TestBuildDiff_CommentsDoNotAffectBuckets(t *testing.T) {
	f := newFixture(t, nil)
	createArticle(t, f, history.Snapshot{"id": articleID, "title": "foobar"})
	_, err := f.svc.AddComment(context.Background(), "Articles", articleID, "first!", "", nil)
	require.NoError(t, err)
	rec := updateArticle(t, f, history.Snapshot{"title": "changed"})
	require.Equal(t, 3, rec.Revision)

	diff, err := f.svc.BuildDiff(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, history.ValueChange{Old: "foobar", New: "changed"}, diff.Changed["title"])
	assert.NotContains(t, diff.Unchanged, "comment")
}

func TestDiffRecord_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.svc.DiffRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, history.ErrRecordNotFound)
}
