package pagination

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// cursorStrategy follows a token the response embeds, e.g. Stripe's
// starting_after. Pages are fetched sequentially because each token comes
// from the previous page.
type cursorStrategy struct {
	client       HTTPClient
	source       *domain.APIConfig
	sourceName   string
	endpointName string
	watermarks   WatermarkStore

	cursorParam   string
	nextCursorKey string
	limitParam    string
	limit         int
	initialValue  string
}

func newCursor(deps Deps, cfg *domain.PaginationConfig) *cursorStrategy {
	return &cursorStrategy{
		client:        deps.Client,
		source:        deps.Source,
		sourceName:    deps.SourceName,
		endpointName:  deps.EndpointName,
		watermarks:    deps.Watermarks,
		cursorParam:   cfg.CursorParam,
		nextCursorKey: cfg.NextCursorKey,
		limitParam:    cfg.LimitParam,
		limit:         cfg.Limit,
		initialValue:  cfg.InitialValue,
	}
}

func (s *cursorStrategy) fetch(ctx context.Context, req *transport.Request, cursor string, ep *domain.APIEndpointConfig) (any, error) {
	page := req.Clone()
	token := cursor
	if token == "" {
		token = s.initialValue
	}
	if token != "" {
		page.Params.Set(s.cursorParam, token)
	}
	page.Params.Set(s.limitParam, strconv.Itoa(s.limit))
	slog.Debug("fetching paginated page", "url", page.URL, "cursor", cursor)
	body, err := s.client.Get(ctx, page.URL, transport.RequestOptions{
		BackoffStart: ep.BackoffStartingDelay,
		Headers:      page.Headers,
		Params:       page.Params,
	})
	return stopOn400(body, err)
}

func (s *cursorStrategy) Pages(ctx context.Context, req *transport.Request, ep *domain.APIEndpointConfig, yield func(items []any) error) error {
	cursor := ""
	if ep.Incremental {
		watermark, ok, err := s.watermarks.Get(ctx, s.sourceName, s.endpointName)
		if err != nil {
			return err
		}
		if ok {
			slog.Info("resuming from watermark cursor", "source", s.sourceName, "endpoint", s.endpointName, "cursor", watermark)
			body, err := s.fetch(ctx, req, watermark, ep)
			if err != nil {
				return err
			}
			next, found := extractNextValue(body, s.nextCursorKey)
			if !found {
				slog.Debug("no new data past watermark, stopping pagination", "watermark", watermark)
				return nil
			}
			cursor = next
		}
	}

	for {
		body, err := s.fetch(ctx, req, cursor, ep)
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

		next, found := extractNextValue(body, s.nextCursorKey)
		if !found {
			slog.Debug("no next cursor in response, stopping pagination", "cursor", cursor)
			break
		}
		cursor = next
	}

	if ep.Incremental && cursor != "" {
		return s.watermarks.SetAttempted(ctx, s.sourceName, s.endpointName, cursor)
	}
	return nil
}

// extractNextValue resolves a dotted path with optional array indexing
// (e.g. "data[-1].id") against a decoded body. Only string and numeric
// results are usable as cursors.
func extractNextValue(body any, key string) (string, bool) {
	current := body
	for _, part := range strings.Split(key, ".") {
		current = step(current, part)
		if current == nil {
			return "", false
		}
	}
	switch v := current.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}

// step resolves one path part, either a plain key or "key[idx]" where idx
// may be -1 for the last element.
func step(current any, part string) any {
	if open := strings.IndexByte(part, '['); open >= 0 && strings.HasSuffix(part, "]") {
		keyPart := part[:open]
		indexPart := part[open+1 : len(part)-1]
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		arr, ok := obj[keyPart].([]any)
		if !ok || len(arr) == 0 {
			return nil
		}
		idx, err := strconv.Atoi(indexPart)
		if err != nil {
			return nil
		}
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return nil
		}
		return arr[idx]
	}
	if obj, ok := current.(map[string]any); ok {
		return obj[part]
	}
	return nil
}
