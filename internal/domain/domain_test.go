package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"StripeCharges":   "stripe_charges",
		"Products":        "products",
		"ProductReviews":  "product_reviews",
		"APIWatermark":    "api_watermark",
		"InvoiceLineItem": "invoice_line_item",
	}
	for in, want := range tests {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}

func TestModelNames(t *testing.T) {
	m := &DataModel{Name: "StripeCharges", Fields: []*FieldSpec{
		{Name: "id", Type: FieldString, Alias: "root.id", PrimaryKey: true},
	}}
	require.NoError(t, m.Validate())
	assert.Equal(t, "stripe_charges", m.TargetTableName())
	assert.Equal(t, "stage_stripe_charges", m.StageTableName())
}

func TestModelValidateSortsFields(t *testing.T) {
	m := &DataModel{Name: "T", Fields: []*FieldSpec{
		{Name: "zebra", Type: FieldString, Alias: "root.zebra"},
		{Name: "alpha", Type: FieldInt, Alias: "root.alpha", PrimaryKey: true},
	}}
	require.NoError(t, m.Validate())
	assert.Equal(t, []string{"alpha", "zebra"}, m.SortedKeys())
	assert.Equal(t, []string{"alpha"}, m.PrimaryKeys())
}

func TestModelValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		model *DataModel
		want  string
	}{
		{"no fields", &DataModel{Name: "T"}, "at least one field"},
		{"no pk", &DataModel{Name: "T", Fields: []*FieldSpec{
			{Name: "a", Type: FieldInt, Alias: "root.a"},
		}}, "primary key"},
		{"bad alias", &DataModel{Name: "T", Fields: []*FieldSpec{
			{Name: "a", Type: FieldInt, Alias: "a", PrimaryKey: true},
		}}, "must start at root"},
		{"bad type", &DataModel{Name: "T", Fields: []*FieldSpec{
			{Name: "a", Type: "decimal", Alias: "root.a", PrimaryKey: true},
		}}, "unknown type"},
		{"duplicate field", &DataModel{Name: "T", Fields: []*FieldSpec{
			{Name: "a", Type: FieldInt, Alias: "root.a", PrimaryKey: true},
			{Name: "a", Type: FieldInt, Alias: "root.a2"},
		}}, "duplicate field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorContains(t, tt.model.Validate(), tt.want)
		})
	}
}

func validSource() *APIConfig {
	return &APIConfig{
		Name:    "example",
		BaseURL: "https://api.example.com",
		Kind:    TransportREST,
		Endpoints: map[string]*APIEndpointConfig{
			"items": {Tables: []*TableConfig{{Model: &DataModel{
				Name:   "Items",
				Fields: []*FieldSpec{{Name: "id", Type: FieldInt, Alias: "root.id", PrimaryKey: true}},
			}}}},
		},
		EndpointOrder: []string{"items"},
	}
}

func TestAPIConfigValidate(t *testing.T) {
	require.NoError(t, validSource().Validate())

	t.Run("pagination strategy without config", func(t *testing.T) {
		src := validSource()
		src.PaginationStrategy = PaginationOffset
		require.ErrorContains(t, src.Validate(), "must be set together")
	})

	t.Run("pagination config without strategy", func(t *testing.T) {
		src := validSource()
		src.Pagination = &PaginationConfig{Limit: 5}
		require.ErrorContains(t, src.Validate(), "must be set together")
	})

	t.Run("auth strategy without params", func(t *testing.T) {
		src := validSource()
		src.AuthenticationStrategy = AuthBearer
		require.ErrorContains(t, src.Validate(), "must be set together")
	})

	t.Run("unknown strategy", func(t *testing.T) {
		src := validSource()
		src.PaginationStrategy = "zigzag"
		src.Pagination = &PaginationConfig{}
		require.ErrorContains(t, src.Validate(), "unknown pagination_strategy")
	})
}

func TestEntrypointOverride(t *testing.T) {
	src := &APIConfig{JSONEntrypoint: "data"}
	assert.Equal(t, "data", src.Entrypoint(&APIEndpointConfig{}))
	assert.Equal(t, "data.items", src.Entrypoint(&APIEndpointConfig{JSONEntrypoint: "data.items"}))
}

func TestExtractItems(t *testing.T) {
	src := &APIConfig{JSONEntrypoint: "data.items"}

	items, err := ExtractItems(map[string]any{
		"data": map[string]any{"items": []any{float64(1), float64(2)}},
	}, src, &APIEndpointConfig{})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// A scalar object result is wrapped.
	items, err = ExtractItems(map[string]any{
		"data": map[string]any{"items": map[string]any{"id": float64(1)}},
	}, src, &APIEndpointConfig{})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Missing key is an error, not an empty result.
	_, err = ExtractItems(map[string]any{"data": map[string]any{}}, src, &APIEndpointConfig{})
	require.ErrorContains(t, err, `key "items" not found`)

	// No entrypoint: a list body is the items.
	items, err = ExtractItems([]any{float64(1)}, &APIConfig{}, &APIEndpointConfig{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRowHash(t *testing.T) {
	keys := []string{"a", "b", "c"}
	r1 := Record{"a": int64(1), "b": "x", "c": nil}
	r2 := Record{"a": int64(1), "b": "x", "c": nil}

	h1 := RowHash(r1, keys)
	h2 := RowHash(r2, keys)
	assert.Len(t, h1, 16)
	assert.Equal(t, h1, h2)

	// Any value change flips the hash.
	r2["b"] = "y"
	assert.NotEqual(t, h1, RowHash(r2, keys))

	// nil and "" hash identically by design: both canonicalize to "".
	r3 := Record{"a": int64(1), "b": "x", "c": ""}
	assert.Equal(t, h1, RowHash(r3, keys))
}

func TestCanonicalString(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{true, "true"},
		{int64(42), "42"},
		{19.99, "19.99"},
		{ts, "2024-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalString(tt.in))
	}
}
