package domain

import (
	"fmt"
	"strings"
)

// ExtractItems resolves the configured JSON entrypoint against a decoded
// response body and returns the raw items it addresses. A list result is
// returned as-is; a single object is wrapped in a one-element slice. A
// missing entrypoint key is an error: it means the response shape does not
// match the catalog.
func ExtractItems(body any, src *APIConfig, ep *APIEndpointConfig) ([]any, error) {
	entrypoint := src.Entrypoint(ep)
	current := body
	if entrypoint != "" {
		for _, key := range strings.Split(entrypoint, ".") {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("json entrypoint %q: segment %q is not an object", entrypoint, key)
			}
			val, ok := obj[key]
			if !ok {
				return nil, fmt.Errorf("json entrypoint %q: key %q not found", entrypoint, key)
			}
			current = val
		}
	}
	if items, ok := current.([]any); ok {
		return items, nil
	}
	return []any{current}, nil
}
