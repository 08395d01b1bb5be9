package reader

import (
	"context"
	"fmt"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// graphqlReader reads GraphQL endpoints: a POST whose JSON body carries the
// query and variables declared on the endpoint.
type graphqlReader struct {
	base
}

func (r *graphqlReader) Read(ctx context.Context, rawURL string, ep *domain.APIEndpointConfig, yield func(batch []any) error) error {
	if ep.RequestBody == nil {
		return fmt.Errorf("graphql endpoint %q: request_body is required", r.endpointName)
	}

	req, err := r.prepare(rawURL, ep)
	if err != nil {
		return err
	}

	if r.source.PaginationStrategy != "" {
		return r.paginate(ctx, req, ep, yield)
	}

	body, err := r.client.Post(ctx, req.URL, transport.RequestOptions{
		BackoffStart: ep.BackoffStartingDelay,
		Headers:      req.Headers,
		Params:       req.Params,
		JSON:         ep.RequestBody,
	})
	if err != nil {
		return err
	}
	items, err := domain.ExtractItems(body, r.source, ep)
	if err != nil {
		return err
	}
	return yield(items)
}
