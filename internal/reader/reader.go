// Package reader builds the initial endpoint request, applies
// authentication, drives pagination, and yields fixed-size batches of raw
// items to the parser.
package reader

import (
	"context"
	"fmt"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/pagination"
	"github.com/rat-data/apiloader/internal/transport"
)

// HTTPClient is the slice of the transport client the readers need.
type HTTPClient interface {
	Get(ctx context.Context, rawURL string, opts transport.RequestOptions) (any, error)
	Post(ctx context.Context, rawURL string, opts transport.RequestOptions) (any, error)
}

// Reader yields batches of raw items for one endpoint. With pagination,
// batches are capped at the configured batch size and the final batch
// carries the remainder; an unpaginated endpoint yields its single
// response's items as one batch, whatever their number.
type Reader interface {
	Read(ctx context.Context, rawURL string, ep *domain.APIEndpointConfig, yield func(batch []any) error) error
}

// Deps wires a reader to its source, client, and collaborators.
type Deps struct {
	Source       *domain.APIConfig
	Client       HTTPClient
	SourceName   string
	EndpointName string
	Watermarks   pagination.WatermarkStore
	DB           pagination.RowQuerier
	BatchSize    int
}

// New selects the reader for the source's transport kind. An unknown kind
// is a configuration error.
func New(deps Deps) (Reader, error) {
	switch deps.Source.Kind {
	case domain.TransportREST:
		return &restReader{base: newBase(deps)}, nil
	case domain.TransportGraphQL:
		return &graphqlReader{base: newBase(deps)}, nil
	default:
		return nil, fmt.Errorf("unsupported reader type: %q", deps.Source.Kind)
	}
}

// base holds the behavior both reader variants share: request preparation,
// authentication, pagination, and batching.
type base struct {
	source       *domain.APIConfig
	client       HTTPClient
	sourceName   string
	endpointName string
	watermarks   pagination.WatermarkStore
	db           pagination.RowQuerier
	batchSize    int
}

func newBase(deps Deps) base {
	return base{
		source:       deps.Source,
		client:       deps.Client,
		sourceName:   deps.SourceName,
		endpointName: deps.EndpointName,
		watermarks:   deps.Watermarks,
		db:           deps.DB,
		batchSize:    deps.BatchSize,
	}
}

// prepare builds the initial request: endpoint params override source
// defaults, source headers apply, then authentication.
func (b *base) prepare(rawURL string, ep *domain.APIEndpointConfig) (*transport.Request, error) {
	req := transport.NewRequest(rawURL)
	for key, value := range b.source.DefaultHeaders {
		req.Headers.Set(key, value)
	}
	for key, value := range b.source.DefaultParams {
		req.Params.Set(key, value)
	}
	for key, value := range ep.Params {
		req.Params.Set(key, value)
	}

	auth, err := newAuth(b.source)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		auth.Apply(req)
	}
	return req, nil
}

// paginate drives the configured strategy and regroups page items into
// batchSize batches, preserving page order.
func (b *base) paginate(ctx context.Context, req *transport.Request, ep *domain.APIEndpointConfig, yield func(batch []any) error) error {
	strategy, err := pagination.New(pagination.Deps{
		Client:       b.client,
		Source:       b.source,
		SourceName:   b.sourceName,
		EndpointName: b.endpointName,
		Watermarks:   b.watermarks,
		DB:           b.db,
	})
	if err != nil {
		return err
	}

	buffer := make([]any, 0, b.batchSize)
	err = strategy.Pages(ctx, req, ep, func(items []any) error {
		buffer = append(buffer, items...)
		for len(buffer) >= b.batchSize {
			batch := make([]any, b.batchSize)
			copy(batch, buffer[:b.batchSize])
			buffer = append(buffer[:0], buffer[b.batchSize:]...)
			if err := yield(batch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(buffer) > 0 {
		return yield(buffer)
	}
	return nil
}
