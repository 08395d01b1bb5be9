package reader

import (
	"context"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// restReader reads REST endpoints with GET.
type restReader struct {
	base
}

func (r *restReader) Read(ctx context.Context, rawURL string, ep *domain.APIEndpointConfig, yield func(batch []any) error) error {
	req, err := r.prepare(rawURL, ep)
	if err != nil {
		return err
	}

	if r.source.PaginationStrategy != "" {
		return r.paginate(ctx, req, ep, yield)
	}

	body, err := r.client.Get(ctx, req.URL, transport.RequestOptions{
		BackoffStart: ep.BackoffStartingDelay,
		Headers:      req.Headers,
		Params:       req.Params,
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
