// Package registry loads the declarative source catalog from YAML.
// Credentials are referenced as ${ENV_VAR} and resolved at load time, so
// the catalog file stays secret-free. Treat a loaded registry as injected
// read-only state.
package registry

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/rat-data/apiloader/internal/domain"
)

// Registry is the immutable catalog of configured sources.
type Registry struct {
	sources map[string]*domain.APIConfig
	order   []string
}

// catalog is the YAML document shape.
type catalog struct {
	Sources []*sourceDoc `yaml:"sources"`
}

// sourceDoc wraps APIConfig so the endpoints mapping can be decoded with
// its declaration order intact — endpoints of one source run in exactly
// that order.
type sourceDoc struct {
	domain.APIConfig `yaml:",inline"`
	Endpoints        yaml.Node `yaml:"endpoints"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-expands, parses, and validates a catalog file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source catalog %s: %w", path, err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse source catalog %s: %w", path, err)
	}
	return reg, nil
}

// Parse builds a registry from catalog bytes. ${VAR} references are
// replaced with environment values before parsing.
func Parse(data []byte) (*Registry, error) {
	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})

	var doc catalog
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, err
	}

	reg := &Registry{sources: make(map[string]*domain.APIConfig, len(doc.Sources))}
	for _, src := range doc.Sources {
		cfg := &src.APIConfig
		if err := decodeEndpoints(&src.Endpoints, cfg); err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.sources[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", cfg.Name)
		}
		reg.sources[cfg.Name] = cfg
		reg.order = append(reg.order, cfg.Name)
	}
	if len(reg.order) == 0 {
		return nil, fmt.Errorf("source catalog declares no sources")
	}
	return reg, nil
}

// decodeEndpoints walks the endpoints mapping node pairwise so declaration
// order survives the map decode.
func decodeEndpoints(node *yaml.Node, cfg *domain.APIConfig) error {
	cfg.Endpoints = make(map[string]*domain.APIEndpointConfig)
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("endpoints must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		ep := &domain.APIEndpointConfig{BackoffStartingDelay: 1}
		if err := node.Content[i+1].Decode(ep); err != nil {
			return fmt.Errorf("endpoint %q: %w", name, err)
		}
		if _, dup := cfg.Endpoints[name]; dup {
			return fmt.Errorf("duplicate endpoint %q", name)
		}
		cfg.Endpoints[name] = ep
		cfg.EndpointOrder = append(cfg.EndpointOrder, name)
	}
	return nil
}

// Get returns a source by name. Unknown names fail immediately; they are
// configuration errors, not runtime conditions.
func (r *Registry) Get(name string) (*domain.APIConfig, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("source %q not found in catalog", name)
	}
	return src, nil
}

// All returns every source in catalog order.
func (r *Registry) All() []*domain.APIConfig {
	out := make([]*domain.APIConfig, len(r.order))
	for i, name := range r.order {
		out[i] = r.sources[name]
	}
	return out
}
