package pagination

import (
	"context"
	"net/url"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// fakeRows serves scripted rows through the pgx.Rows interface. Unused
// methods panic via the embedded nil interface.
type fakeRows struct {
	pgx.Rows
	fields []pgconn.FieldDescription
	data   [][]any
	pos    int
}

func newFakeRows(columns []string, data [][]any) *fakeRows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, c := range columns {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return &fakeRows{fields: fields, data: data, pos: -1}
}

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Next() bool                                   { r.pos++; return r.pos < len(r.data) }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos], nil }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) Close()                                       {}

type fakeQuerier struct {
	rows *fakeRows
	sql  string
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.sql = sql
	return q.rows, nil
}

func querySource(valueIn string) *domain.APIConfig {
	return &domain.APIConfig{
		Name:               "geo",
		BaseURL:            "https://api.example.com",
		Kind:               domain.TransportREST,
		JSONEntrypoint:     "result",
		PaginationStrategy: domain.PaginationQuery,
		Pagination: &domain.PaginationConfig{
			Query:         "SELECT ip FROM query_input",
			ValueIn:       valueIn,
			MaxConcurrent: 2,
		},
	}
}

func TestQueryPaginationPathTemplate(t *testing.T) {
	db := &fakeQuerier{rows: newFakeRows([]string{"ip"}, [][]any{
		{"1.2.3.4"}, {"5.6.7.8"}, {"9.10.11.12"},
	})}
	client := &fakeClient{respond: func(rawURL string, _ url.Values) (any, error) {
		return map[string]any{"result": map[string]any{"ip": rawURL}}, nil
	}}

	strategy, err := New(Deps{
		Client: client, Source: querySource("path"),
		SourceName: "geo", EndpointName: "{ip}/geo/lookup", DB: db,
	})
	require.NoError(t, err)

	pages := collectPages(t, strategy, transport.NewRequest("https://api.example.com/{ip}/geo/lookup"), &domain.APIEndpointConfig{})

	// Three rows chunked by max_concurrent=2: pages of 2 and 1.
	require.Len(t, pages, 2)
	assert.Len(t, pages[0], 2)
	assert.Len(t, pages[1], 1)

	requests := client.requests()
	assert.Contains(t, requests, "https://api.example.com/1.2.3.4/geo/lookup")
	assert.Contains(t, requests, "https://api.example.com/5.6.7.8/geo/lookup")
	assert.Contains(t, requests, "https://api.example.com/9.10.11.12/geo/lookup")
	assert.Equal(t, "SELECT ip FROM query_input", db.sql)
}

func TestQueryPaginationParams(t *testing.T) {
	db := &fakeQuerier{rows: newFakeRows([]string{"ip"}, [][]any{
		{"1.2.3.4"}, {"5.6.7.8"},
	})}
	client := &fakeClient{respond: func(rawURL string, _ url.Values) (any, error) {
		return map[string]any{"result": map[string]any{"ok": true}}, nil
	}}

	strategy, err := New(Deps{
		Client: client, Source: querySource("params"),
		SourceName: "geo", EndpointName: "lookup", DB: db,
	})
	require.NoError(t, err)

	collectPages(t, strategy, transport.NewRequest("https://api.example.com/lookup"), &domain.APIEndpointConfig{})

	requests := client.requests()
	assert.Contains(t, requests, "https://api.example.com/lookup?ip=1.2.3.4")
	assert.Contains(t, requests, "https://api.example.com/lookup?ip=5.6.7.8")
}

func TestQueryPaginationNoRows(t *testing.T) {
	db := &fakeQuerier{rows: newFakeRows([]string{"ip"}, nil)}
	client := &fakeClient{respond: func(string, url.Values) (any, error) { return nil, nil }}

	strategy, err := New(Deps{
		Client: client, Source: querySource("params"),
		SourceName: "geo", EndpointName: "lookup", DB: db,
	})
	require.NoError(t, err)

	pages := collectPages(t, strategy, transport.NewRequest("https://api.example.com/lookup"), &domain.APIEndpointConfig{})
	assert.Empty(t, pages)
	assert.Empty(t, client.requests())
}

func TestSubstitute(t *testing.T) {
	out := substitute("{ip}/geo/{kind}", map[string]any{"ip": "1.2.3.4", "kind": "lookup"})
	assert.Equal(t, "1.2.3.4/geo/lookup", out)
}
