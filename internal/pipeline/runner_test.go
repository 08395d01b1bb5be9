package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/apiloader/internal/config"
	"github.com/rat-data/apiloader/internal/domain"
)

type brokenDB struct{}

func (brokenDB) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("no database") }
func (brokenDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, &pgconn.PgError{Code: "42501", Message: "permission denied"}
}
func (brokenDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("no database")
}
func (brokenDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func exampleSource(t *testing.T) *domain.APIConfig {
	t.Helper()
	src := &domain.APIConfig{
		Name:    "example",
		BaseURL: "https://api.example.com/",
		Kind:    domain.TransportREST,
		Endpoints: map[string]*domain.APIEndpointConfig{
			"items": {Tables: []*domain.TableConfig{{Model: &domain.DataModel{
				Name:   "Items",
				Fields: []*domain.FieldSpec{{Name: "id", Type: domain.FieldInt, Alias: "root.id", PrimaryKey: true}},
			}}}},
		},
		EndpointOrder: []string{"items"},
	}
	for _, ep := range src.Endpoints {
		for _, tc := range ep.Tables {
			require.NoError(t, tc.Model.Validate())
		}
	}
	return src
}

func testSettings() *config.Settings {
	return &config.Settings{EnvState: config.EnvTest, DriverName: "postgresql", BatchSize: 10}
}

func TestNewRunnerUnknownEndpoint(t *testing.T) {
	_, err := NewRunner(testSettings(), brokenDB{}, exampleSource(t), "nope", nil)
	require.ErrorContains(t, err, `endpoint "nope" not found`)
	require.ErrorContains(t, err, "available: items")
}

func TestNewRunnerBuildsEndpointURL(t *testing.T) {
	r, err := NewRunner(testSettings(), brokenDB{}, exampleSource(t), "items", nil)
	require.NoError(t, err)
	defer r.client.Close()
	assert.Equal(t, "https://api.example.com/items", r.url)
}

// Any failure is captured in the result, never raised; the client is still
// released.
func TestRunCapturesFailure(t *testing.T) {
	r, err := NewRunner(testSettings(), brokenDB{}, exampleSource(t), "items", nil)
	require.NoError(t, err)

	result := r.Run(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "https://api.example.com/items", result.URL)
	assert.Contains(t, result.Err, "permission denied")
}
