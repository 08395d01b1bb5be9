package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// offsetStrategy scans offset windows in parallel rounds of maxConcurrent
// requests. A round ends the scan when every page came back empty, or when
// any page was shorter than the limit (a partial page marks the end of the
// data set).
type offsetStrategy struct {
	client       HTTPClient
	source       *domain.APIConfig
	sourceName   string
	endpointName string
	watermarks   WatermarkStore

	offsetParam   string
	limitParam    string
	limit         int
	startOffset   int
	maxConcurrent int
}

func newOffset(deps Deps, cfg *domain.PaginationConfig) *offsetStrategy {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &offsetStrategy{
		client:        deps.Client,
		source:        deps.Source,
		sourceName:    deps.SourceName,
		endpointName:  deps.EndpointName,
		watermarks:    deps.Watermarks,
		offsetParam:   cfg.OffsetParam,
		limitParam:    cfg.LimitParam,
		limit:         cfg.Limit,
		startOffset:   cfg.StartOffset,
		maxConcurrent: maxConcurrent,
	}
}

func (s *offsetStrategy) fetch(ctx context.Context, req *transport.Request, offset int, ep *domain.APIEndpointConfig) (any, error) {
	page := req.Clone()
	page.Params.Set(s.offsetParam, strconv.Itoa(offset))
	page.Params.Set(s.limitParam, strconv.Itoa(s.limit))
	slog.Debug("fetching paginated page", "url", page.URL, "offset", offset)
	body, err := s.client.Get(ctx, page.URL, transport.RequestOptions{
		BackoffStart: ep.BackoffStartingDelay,
		Headers:      page.Headers,
		Params:       page.Params,
	})
	return stopOn400(body, err)
}

func (s *offsetStrategy) Pages(ctx context.Context, req *transport.Request, ep *domain.APIEndpointConfig, yield func(items []any) error) error {
	offset := s.startOffset
	if ep.Incremental {
		value, ok, err := s.watermarks.Get(ctx, s.sourceName, s.endpointName)
		if err != nil {
			return err
		}
		if ok {
			resumed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("watermark value %q is not a valid offset", value)
			}
			offset = resumed
			slog.Info("resuming from watermark offset", "source", s.sourceName, "endpoint", s.endpointName, "offset", offset)
		}
	}

	highestNextOffset := offset
	for {
		results := make([]any, s.maxConcurrent)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < s.maxConcurrent; i++ {
			g.Go(func() error {
				body, err := s.fetch(gctx, req, offset+i*s.limit, ep)
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

		allEmpty := true
		hasPartialPage := false
		for i, body := range results {
			if body == nil {
				continue
			}
			items, err := domain.ExtractItems(body, s.source, ep)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				continue
			}
			allEmpty = false
			requestOffset := offset + i*s.limit
			if next := requestOffset + len(items); next > highestNextOffset {
				highestNextOffset = next
			}
			if err := yield(items); err != nil {
				return err
			}
			if len(items) < s.limit {
				hasPartialPage = true
			}
		}
		if allEmpty {
			break
		}
		offset += s.maxConcurrent * s.limit
		if hasPartialPage {
			break
		}
	}

	if ep.Incremental {
		return s.watermarks.SetAttempted(ctx, s.sourceName, s.endpointName, strconv.Itoa(highestNextOffset))
	}
	return nil
}
