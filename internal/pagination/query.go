package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// queryStrategy pages through the rows of a SQL query against the
// pipeline's own database; each row drives one GET. With value_in=path the
// endpoint key acts as a URL-path template ("{ip}/geo/lookup"); with
// value_in=params the row is appended as a query string. Never incremental:
// the driving query defines the full work set each run.
type queryStrategy struct {
	client       HTTPClient
	source       *domain.APIConfig
	endpointName string
	db           RowQuerier

	query          string
	valueIn        string
	paramsTemplate string
	maxConcurrent  int
}

func newQuery(deps Deps, cfg *domain.PaginationConfig) *queryStrategy {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &queryStrategy{
		client:         deps.Client,
		source:         deps.Source,
		endpointName:   deps.EndpointName,
		db:             deps.DB,
		query:          cfg.Query,
		valueIn:        cfg.ValueIn,
		paramsTemplate: cfg.ParamsTemplate,
		maxConcurrent:  maxConcurrent,
	}
}

func (s *queryStrategy) runQuery(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.db.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("run pagination query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read pagination query row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pagination query rows: %w", err)
	}
	return result, nil
}

func (s *queryStrategy) urlForRow(base string, row map[string]any) string {
	if s.valueIn == "path" {
		path := substitute(s.endpointName, row)
		return strings.TrimSuffix(s.source.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	if s.paramsTemplate != "" {
		return base + "?" + substitute(s.paramsTemplate, row)
	}
	params := make(url.Values, len(row))
	for key, value := range row {
		params.Set(key, domain.CanonicalString(value))
	}
	return base + "?" + params.Encode()
}

func (s *queryStrategy) Pages(ctx context.Context, req *transport.Request, ep *domain.APIEndpointConfig, yield func(items []any) error) error {
	rows, err := s.runQuery(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		slog.Warn("query pagination returned no rows", "endpoint", s.endpointName)
		return nil
	}

	base := req.URL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	slog.Info("query pagination", "rows", len(rows), "max_concurrent", s.maxConcurrent)

	for start := 0; start < len(rows); start += s.maxConcurrent {
		end := start + s.maxConcurrent
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		results := make([]any, len(chunk))
		g, gctx := errgroup.WithContext(ctx)
		for i, row := range chunk {
			g.Go(func() error {
				body, err := s.client.Get(gctx, s.urlForRow(base, row), transport.RequestOptions{
					BackoffStart: ep.BackoffStartingDelay,
					Headers:      req.Headers,
				})
				if err != nil {
					return err
				}
				results[i] = body
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var items []any
		for _, body := range results {
			extracted, err := domain.ExtractItems(body, s.source, ep)
			if err != nil {
				return err
			}
			items = append(items, extracted...)
		}
		if len(items) > 0 {
			if err := yield(items); err != nil {
				return err
			}
		}
	}
	return nil
}

// substitute replaces {field} placeholders with the row's values.
func substitute(template string, row map[string]any) string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := template
	for _, key := range keys {
		out = strings.ReplaceAll(out, "{"+key+"}", domain.CanonicalString(row[key]))
	}
	return out
}
