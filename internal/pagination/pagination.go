// Package pagination implements the page-fetching strategies: offset,
// cursor, next-URL, and query-driven. Every strategy yields the raw items a
// page contains, already extracted through the configured JSON entrypoint,
// in page order. A 400 response is the expected terminal signal for
// out-of-range offsets and cursors and stops pagination silently; any other
// failure propagates.
package pagination

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// Strategy yields successive pages of raw items for a prepared request.
// yield is called once per non-empty page; returning an error aborts
// pagination and propagates.
type Strategy interface {
	Pages(ctx context.Context, req *transport.Request, ep *domain.APIEndpointConfig, yield func(items []any) error) error
}

// HTTPClient is the slice of the transport client pagination needs.
type HTTPClient interface {
	Get(ctx context.Context, rawURL string, opts transport.RequestOptions) (any, error)
}

// WatermarkStore reads and advances the per-endpoint resume cursor.
// Strategies only ever record the attempted position; promotion to the
// committed value happens after a successful publish.
type WatermarkStore interface {
	Get(ctx context.Context, source, endpoint string) (string, bool, error)
	SetAttempted(ctx context.Context, source, endpoint, value string) error
}

// RowQuerier is the database slice the query strategy needs.
type RowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Deps carries everything a strategy may need; New picks what applies.
type Deps struct {
	Client       HTTPClient
	Source       *domain.APIConfig
	SourceName   string
	EndpointName string
	Watermarks   WatermarkStore
	DB           RowQuerier
}

// New constructs the strategy a source declares. An unknown strategy name is
// a configuration error and fails immediately.
func New(deps Deps) (Strategy, error) {
	cfg := deps.Source.Pagination
	switch deps.Source.PaginationStrategy {
	case domain.PaginationOffset:
		return newOffset(deps, cfg), nil
	case domain.PaginationCursor:
		return newCursor(deps, cfg), nil
	case domain.PaginationNextURL:
		return newNextURL(deps, cfg), nil
	case domain.PaginationQuery:
		return newQuery(deps, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported pagination strategy: %q", deps.Source.PaginationStrategy)
	}
}

// stopOn400 maps a terminal 400 to (nil, nil) so callers treat it as
// end-of-data, and passes every other error through.
func stopOn400(body any, err error) (any, error) {
	if err == nil {
		return body, nil
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 400 {
		return nil, nil
	}
	return nil, err
}
