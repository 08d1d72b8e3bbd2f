package history_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/history/memstore"
)

func TestRegistry_BuiltinTypes(t *testing.T) {
	r := history.NewRegistry(nil, nil)
	assert.Equal(t, []string{"association", "bool", "date", "datetime", "mass_association", "number", "string"}, r.Types())
}

func TestRegistry_UnknownType(t *testing.T) {
	r := history.NewRegistry(nil, nil)
	_, err := r.Get("geo")
	var cfgErr *history.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "geo", cfgErr.Type)
	assert.True(t, history.IsConfigurationError(err))
}

func TestRegistry_SaveAndDisplay(t *testing.T) {
	r := history.NewRegistry(nil, nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		typ         string
		raw         any
		wantStored  any
		wantDisplay any
	}{
		{"string passthrough", history.TypeString, "foobar", "foobar", "foobar"},
		{"number from string", history.TypeNumber, " 3.5 ", 3.5, "3.5"},
		{"number passthrough", history.TypeNumber, float64(42), float64(42), "42"},
		{"large number keeps digits", history.TypeNumber, json.Number("9007199254740993"), json.Number("9007199254740993"), "9007199254740993"},
		{"bool true", history.TypeBool, true, true, "yes"},
		{"bool from string", history.TypeBool, "false", false, "no"},
		{"bool from number", history.TypeBool, json.Number("1"), true, "yes"},
		{"date", history.TypeDate, "2024-03-01T10:00:00Z", "2024-03-01", "2024-03-01"},
		{"datetime", history.TypeDateTime, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), "2024-03-01T10:30:00Z", "2024-03-01 10:30"},
		{"mass association ids", history.TypeMassAssociation, []string{"a", "b"}, []any{"a", "b"}, "a, b"},
		{"mass association objects", history.TypeMassAssociation, []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}}, []any{"a", "b"}, "a, b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &history.FieldConfig{Name: "field", Type: tt.typ}
			stored, err := r.SaveValue("Things", fc, tt.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, stored)

			shown, err := r.DisplayValue(ctx, "Things", fc, stored)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDisplay, shown)
		})
	}
}

func TestRegistry_SaveErrors(t *testing.T) {
	r := history.NewRegistry(nil, nil)
	_, err := r.SaveValue("Things", &history.FieldConfig{Name: "n", Type: history.TypeNumber}, "many", nil)
	assert.Error(t, err)
	_, err = r.SaveValue("Things", &history.FieldConfig{Name: "d", Type: history.TypeDate}, "yesterday", nil)
	assert.Error(t, err)
	_, err = r.SaveValue("Things", &history.FieldConfig{Name: "m", Type: history.TypeMassAssociation}, "a,b", nil)
	assert.Error(t, err)
}

func TestRegistry_UnknownTypeNamesField(t *testing.T) {
	r := history.NewRegistry(nil, nil)
	_, err := r.DisplayValue(context.Background(), "Places", &history.FieldConfig{Name: "location", Type: "geo"}, "x")
	var cfgErr *history.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Places", cfgErr.Model)
	assert.Equal(t, "location", cfgErr.Field)
}

func TestRegistry_RegisterCustomTransformer(t *testing.T) {
	r := history.NewRegistry(nil, nil)
	r.Register("upper", upperTransformer{})

	fc := &history.FieldConfig{Name: "code", Type: "upper"}
	shown, err := r.DisplayValue(context.Background(), "Things", fc, "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", shown)
}

func TestRegistry_AssociationDisplay(t *testing.T) {
	store := memstore.New()
	configs := history.NewStaticFieldConfig(articlesConfig(), usersConfig())
	r := history.NewRegistry(configs, store.Entities())
	ctx := context.Background()
	require.NoError(t, store.PutSnapshot(ctx, "Users", userID, history.Snapshot{"firstname": "Ada"}))

	fc, ok := articlesConfig().Field("user_id")
	require.True(t, ok)

	shown, err := r.DisplayValue(ctx, "Articles", fc, userID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", shown)

	shown, err = r.DisplayValue(ctx, "Articles", fc, "unknown-user")
	require.NoError(t, err)
	assert.Equal(t, "unknown-user", shown, "unknown entities fall back to the id")
}

func TestFieldConfig_ForeignModel(t *testing.T) {
	tests := []struct {
		fc   history.FieldConfig
		want string
	}{
		{history.FieldConfig{Name: "user_id"}, "Users"},
		{history.FieldConfig{Name: "article_id"}, "Articles"},
		{history.FieldConfig{Name: "category_id"}, "Categories"},
		{history.FieldConfig{Name: "owner_id", AssociationModel: "Users"}, "Users"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.fc.ForeignModel(), tt.fc.Name)
	}
}

func TestLocaleSlug(t *testing.T) {
	assert.Equal(t, "article.title", history.LocaleSlug("Articles", "title"))
	assert.Equal(t, "articles_user.article_id", history.LocaleSlug("ArticlesUsers", "article_id"))
}

func TestStaticFieldConfig(t *testing.T) {
	configs := history.NewStaticFieldConfig(articlesConfig())
	_, err := configs.ModelConfig("Users")
	assert.ErrorIs(t, err, history.ErrUnknownModel)

	configs.Replace(usersConfig())
	_, err = configs.ModelConfig("Articles")
	assert.ErrorIs(t, err, history.ErrUnknownModel)
	mc, err := configs.ModelConfig("Users")
	require.NoError(t, err)
	assert.Equal(t, "firstname", mc.DisplayField)
	assert.Equal(t, []string{"Users"}, configs.Models())
}

type upperTransformer struct{}

func (upperTransformer) Save(_ string, value any, _ history.Snapshot) (any, error) {
	return value, nil
}

func (upperTransformer) Display(_ context.Context, _ string, value any, _ string) (any, error) {
	s, _ := value.(string)
	out := []rune(s)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - 'a' + 'A'
		}
	}
	return string(out), nil
}
