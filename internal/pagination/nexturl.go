package pagination

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// nextURLStrategy follows a fully-formed URL the response embeds. The
// watermark, when committed, is the URL to request next time — the page that
// carried no next_url yet and may grow new data.
type nextURLStrategy struct {
	client       HTTPClient
	source       *domain.APIConfig
	sourceName   string
	endpointName string
	watermarks   WatermarkStore

	nextURLKey string
}

func newNextURL(deps Deps, cfg *domain.PaginationConfig) *nextURLStrategy {
	return &nextURLStrategy{
		client:       deps.Client,
		source:       deps.Source,
		sourceName:   deps.SourceName,
		endpointName: deps.EndpointName,
		watermarks:   deps.Watermarks,
		nextURLKey:   cfg.NextURLKey,
	}
}

func (s *nextURLStrategy) fetch(ctx context.Context, rawURL string, req *transport.Request, ep *domain.APIEndpointConfig) (any, error) {
	slog.Debug("fetching paginated page", "url", rawURL)
	body, err := s.client.Get(ctx, rawURL, transport.RequestOptions{
		BackoffStart: ep.BackoffStartingDelay,
		Headers:      req.Headers,
	})
	return stopOn400(body, err)
}

func (s *nextURLStrategy) Pages(ctx context.Context, req *transport.Request, ep *domain.APIEndpointConfig, yield func(items []any) error) error {
	currentURL := req.URL

	if ep.Incremental {
		watermark, ok, err := s.watermarks.Get(ctx, s.sourceName, s.endpointName)
		if err != nil {
			return err
		}
		if ok {
			slog.Info("resuming from watermark url", "source", s.sourceName, "endpoint", s.endpointName, "url", watermark)
			body, err := s.fetch(ctx, watermark, req, ep)
			if err != nil {
				return err
			}
			next, found := nestedString(body, s.nextURLKey)
			if !found {
				slog.Warn("no new data past watermark, stopping pagination", "watermark", watermark)
				return nil
			}
			currentURL = next
		}
	}

	for {
		body, err := s.fetch(ctx, currentURL, req, ep)
		if err != nil {
			return err
		}
		if body == nil {
			break
		}

		items, err := domain.ExtractItems(body, s.source, ep)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		if err := yield(items); err != nil {
			return err
		}

		next, found := nestedString(body, s.nextURLKey)
		if !found {
			slog.Debug("no next url in response, stopping pagination", "url", currentURL)
			if ep.Incremental {
				return s.watermarks.SetAttempted(ctx, s.sourceName, s.endpointName, currentURL)
			}
			break
		}
		currentURL = next
	}
	return nil
}

// nestedString resolves a dotted key path to a string value.
func nestedString(body any, key string) (string, bool) {
	current := body
	for _, part := range strings.Split(key, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	s, ok := current.(string)
	return s, ok && s != ""
}
