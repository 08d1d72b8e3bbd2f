package fieldconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/model-history/model-history/internal/history"
)

const articlesYAML = `
locale: de
models:
  - name: Articles
    display_field: title
    fields:
      - {name: id, saveable: true, searchable: true}
      - {name: title, type: string, saveable: true, searchable: true, transform: trim, display_transform: upper}
      - {name: published, type: bool, saveable: true, searchable: true, translation: Veröffentlicht}
      - {name: status, type: string, saveable: true, translation: article.state}
      - {name: user_id, type: association, saveable: true, association_key: article_id, association_model: Users}
  - name: Users
    display_field: firstname
    fields:
      - {name: firstname, saveable: true, searchable: true}
      - {name: password, saveable: true, obfuscated: true}
translations:
  de:
    article.title: Titel
    article.state: Zustand
  en:
    article.title: Title
`

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ModelsInOrder(t *testing.T) {
	ld, err := Load(writeFile(t, t.TempDir(), articlesYAML))
	require.NoError(t, err)

	mc, err := ld.Fields().ModelConfig("Articles")
	require.NoError(t, err)
	assert.Equal(t, "title", mc.DisplayField)

	var names []string
	for _, f := range mc.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"id", "title", "published", "status", "user_id"}, names)

	id, _ := mc.Field("id")
	assert.Equal(t, history.TypeString, id.Type, "type defaults to string")

	user, _ := mc.Field("user_id")
	assert.Equal(t, history.TypeAssociation, user.Type)
	assert.Equal(t, "article_id", user.AssociationKey)
	assert.Equal(t, "Users", user.ForeignModel())

	users, err := ld.Fields().ModelConfig("Users")
	require.NoError(t, err)
	pw, _ := users.Field("password")
	assert.True(t, pw.Obfuscated)
	assert.False(t, pw.Searchable)
}

func TestLoad_NamedTransforms(t *testing.T) {
	ld, err := Load(writeFile(t, t.TempDir(), articlesYAML))
	require.NoError(t, err)
	mc, _ := ld.Fields().ModelConfig("Articles")
	title, _ := mc.Field("title")

	require.NotNil(t, title.SaveTransform)
	saved, err := title.SaveTransform("title", "  foobar ", nil)
	require.NoError(t, err)
	assert.Equal(t, "foobar", saved)

	require.NotNil(t, title.DisplayTransform)
	shown, err := title.DisplayTransform("title", "foobar", "Articles")
	require.NoError(t, err)
	assert.Equal(t, "FOOBAR", shown)

	n, err := title.SaveTransform("title", 42, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n, "non-strings pass through")
}

func TestLoad_TransformsFlowThroughRecorder(t *testing.T) {
	ld, err := Load(writeFile(t, t.TempDir(), articlesYAML))
	require.NoError(t, err)

	reg := history.NewRegistry(ld.Fields(), nil)
	mc, _ := ld.Fields().ModelConfig("Articles")
	title, _ := mc.Field("title")

	v, err := reg.SaveValue("Articles", title, " padded ", nil)
	require.NoError(t, err)
	assert.Equal(t, "padded", v)

	d, err := reg.DisplayValue(context.Background(), "Articles", title, "padded")
	require.NoError(t, err)
	assert.Equal(t, "PADDED", d)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"model without name", "models:\n  - fields: [{name: a}]\n"},
		{"duplicate model", "models:\n  - name: A\n  - name: A\n"},
		{"field without name", "models:\n  - name: A\n    fields: [{type: string}]\n"},
		{"duplicate field", "models:\n  - name: A\n    fields: [{name: a}, {name: a}]\n"},
		{"unknown transform", "models:\n  - name: A\n    fields: [{name: a, transform: rot13}]\n"},
		{"unknown display transform", "models:\n  - name: A\n    fields: [{name: a, display_transform: rot13}]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_UnknownTypeIsDeferredToRegistry(t *testing.T) {
	ld, err := Load(writeFile(t, t.TempDir(), "models:\n  - name: A\n    fields: [{name: a, type: geo, saveable: true}]\n"))
	require.NoError(t, err)

	mc, _ := ld.Fields().ModelConfig("A")
	fc, _ := mc.Field("a")
	_, err = history.NewRegistry(ld.Fields(), nil).SaveValue("A", fc, "x", nil)
	var cfgErr *history.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCatalog_Translate(t *testing.T) {
	ld, err := Load(writeFile(t, t.TempDir(), articlesYAML))
	require.NoError(t, err)
	c := ld.Catalog()

	label, ok := c.Translate("Articles", "title")
	assert.True(t, ok)
	assert.Equal(t, "Titel", label, "locale slug wins")

	label, ok = c.Translate("Articles", "status")
	assert.True(t, ok)
	assert.Equal(t, "Zustand", label, "translation used as catalog key")

	label, ok = c.Translate("Articles", "published")
	assert.True(t, ok)
	assert.Equal(t, "Veröffentlicht", label, "translation used as literal label")

	_, ok = c.Translate("Articles", "id")
	assert.False(t, ok)
	_, ok = c.Translate("Unknown", "id")
	assert.False(t, ok)
}

func TestCatalog_WithoutFields(t *testing.T) {
	c := NewCatalog("EN", map[string]map[string]string{"en": {"Article.Title": "Title"}}, nil)
	label, ok := c.Translate("Articles", "Title")
	assert.True(t, ok)
	assert.Equal(t, "Title", label)

	_, ok = c.Translate("Articles", "body")
	assert.False(t, ok)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, articlesYAML)

	reloaded := make(chan struct{}, 1)
	ld, err := Load(path, WithReloadHook(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, err)
	ld.Watch()
	ld.Watch()

	next := "locale: en\nmodels:\n  - name: Comments\n    fields: [{name: body, saveable: true}]\n" +
		"translations:\n  en:\n    comment.body: Body\n"
	require.NoError(t, os.WriteFile(path, []byte(next), 0o600))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}

	require.Eventually(t, func() bool {
		_, err := ld.Fields().ModelConfig("Comments")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err = ld.Fields().ModelConfig("Articles")
	assert.ErrorIs(t, err, history.ErrUnknownModel)

	label, ok := ld.Catalog().Translate("Comments", "body")
	assert.True(t, ok)
	assert.Equal(t, "Body", label)
}

func TestReload_InvalidKeepsPrevious(t *testing.T) {
	path := writeFile(t, t.TempDir(), articlesYAML)
	ld, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("models:\n  - name: A\n  - name: A\n"), 0o600))
	require.NoError(t, ld.v.ReadInConfig())
	assert.Error(t, ld.reload())

	_, err = ld.Fields().ModelConfig("Articles")
	assert.NoError(t, err)
}
