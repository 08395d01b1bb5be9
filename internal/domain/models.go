// Package domain holds the declarative catalog types for the apiloader
// runtime: API sources, endpoints, table models, and the in-memory batches
// that flow between the pipeline stages.
package domain

import (
	"fmt"
	"strings"
)

// TransportKind selects how a source is read.
type TransportKind string

const (
	TransportREST    TransportKind = "rest"
	TransportGraphQL TransportKind = "graphql"
)

// Pagination strategy names accepted in the catalog.
const (
	PaginationOffset  = "offset"
	PaginationCursor  = "cursor"
	PaginationNextURL = "next_url"
	PaginationQuery   = "query"
)

// Authentication strategy names accepted in the catalog.
const (
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// PaginationConfig carries the parameters for whichever pagination strategy
// a source declares. Only the fields for the declared strategy are read.
type PaginationConfig struct {
	// Offset strategy.
	OffsetParam   string `yaml:"offset_param"`
	LimitParam    string `yaml:"limit_param"`
	Offset        int    `yaml:"offset"`
	Limit         int    `yaml:"limit"`
	StartOffset   int    `yaml:"start_offset"`
	MaxConcurrent int    `yaml:"max_concurrent"`

	// Cursor strategy. NextCursorKey is a dotted path with optional array
	// segments, e.g. "data[-1].id".
	CursorParam   string `yaml:"cursor_param"`
	NextCursorKey string `yaml:"next_cursor_key"`
	InitialValue  string `yaml:"initial_value"`

	// Next-URL strategy.
	NextURLKey string `yaml:"next_url_key"`

	// Query strategy. Query runs against the pipeline's own database; each
	// row drives one request. ValueIn is "path" or "params".
	Query          string `yaml:"query"`
	ValueIn        string `yaml:"value_in"`
	ParamsTemplate string `yaml:"params"`
}

// APIEndpointConfig describes one endpoint of a source.
type APIEndpointConfig struct {
	// JSONEntrypoint overrides the source-level entrypoint for this endpoint.
	JSONEntrypoint string `yaml:"json_entrypoint"`

	// RequestBody is sent as the POST body for GraphQL endpoints
	// (typically {"query": ..., "variables": ...}).
	RequestBody map[string]any `yaml:"request_body"`

	Params map[string]string `yaml:"params"`

	// BackoffStartingDelay seeds the HTTP retry backoff, in seconds.
	BackoffStartingDelay float64 `yaml:"backoff_starting_delay"`

	// Incremental endpoints resume from the committed watermark.
	Incremental bool `yaml:"incremental"`

	Tables []*TableConfig `yaml:"tables"`
}

// APIConfig describes one API source: where it lives, how to page through
// it, and which tables its payloads land in.
type APIConfig struct {
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	Kind           TransportKind     `yaml:"type"`
	JSONEntrypoint string            `yaml:"json_entrypoint"`
	ParseKind      string            `yaml:"parse_kind"`
	DefaultHeaders map[string]string `yaml:"default_headers"`
	DefaultParams  map[string]string `yaml:"default_params"`

	PaginationStrategy string            `yaml:"pagination_strategy"`
	Pagination         *PaginationConfig `yaml:"pagination"`

	AuthenticationStrategy string            `yaml:"authentication_strategy"`
	AuthenticationParams   map[string]string `yaml:"authentication_params"`

	// Schedule is an optional cron expression evaluated in serve mode.
	Schedule string `yaml:"schedule"`

	Endpoints map[string]*APIEndpointConfig `yaml:"-"`

	// EndpointOrder preserves catalog declaration order; endpoints of one
	// source always run in this order.
	EndpointOrder []string `yaml:"-"`
}

// Validate checks the structural invariants of a source definition.
func (c *APIConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("source: name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("source %q: base_url is required", c.Name)
	}
	switch c.Kind {
	case TransportREST, TransportGraphQL:
	default:
		return fmt.Errorf("source %q: unknown type %q", c.Name, c.Kind)
	}
	if (c.PaginationStrategy == "") != (c.Pagination == nil) {
		return fmt.Errorf("source %q: pagination_strategy and pagination must be set together", c.Name)
	}
	if (c.AuthenticationStrategy == "") != (len(c.AuthenticationParams) == 0) {
		return fmt.Errorf("source %q: authentication_strategy and authentication_params must be set together", c.Name)
	}
	switch c.PaginationStrategy {
	case "", PaginationOffset, PaginationCursor, PaginationNextURL, PaginationQuery:
	default:
		return fmt.Errorf("source %q: unknown pagination_strategy %q", c.Name, c.PaginationStrategy)
	}
	switch c.AuthenticationStrategy {
	case "", AuthBasic, AuthBearer:
	default:
		return fmt.Errorf("source %q: unknown authentication_strategy %q", c.Name, c.AuthenticationStrategy)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("source %q: at least one endpoint is required", c.Name)
	}
	for _, name := range c.EndpointOrder {
		ep := c.Endpoints[name]
		if len(ep.Tables) == 0 {
			return fmt.Errorf("source %q endpoint %q: at least one table is required", c.Name, name)
		}
		for _, tc := range ep.Tables {
			if err := tc.Model.Validate(); err != nil {
				return fmt.Errorf("source %q endpoint %q: %w", c.Name, name, err)
			}
		}
	}
	return nil
}

// Entrypoint returns the JSON entrypoint for an endpoint, with the
// endpoint-level value overriding the source-level one.
func (c *APIConfig) Entrypoint(ep *APIEndpointConfig) string {
	if ep != nil && ep.JSONEntrypoint != "" {
		return ep.JSONEntrypoint
	}
	return c.JSONEntrypoint
}

// SnakeCase converts a CamelCase model name to its snake_case table name.
func SnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				prev := rune(name[i-1])
				nextLower := i+1 < len(name) && name[i+1] >= 'a' && name[i+1] <= 'z'
				if (prev < 'A' || prev > 'Z') || nextLower {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
