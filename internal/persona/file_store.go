package persona

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

// LoadFile reads a YAML document mapping personaId to an arbitrary trait
// object and returns a MapStore backed by it. The YAML is decoded generically
// (map[string]any) and converted through paramtree.FromAny so nested trait
// structures (used by intervention rule matching) survive intact.
func LoadFile(path string) (*MapStore, error) {
	if path == "" {
		return NewMapStore(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: reading %q: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("persona: parsing %q: %w", path, err)
	}

	personas := make(map[string]paramtree.Value, len(raw))
	for id, traits := range raw {
		personas[id] = paramtree.FromAny(normalizeYAML(traits))
	}
	return NewMapStore(personas), nil
}

// normalizeYAML converts the map[any]any / []any shapes go-yaml decodes into
// into the map[string]any / []any shapes paramtree.FromAny expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeYAML(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeYAML(e)
		}
		return out
	case int:
		return float64(t)
	default:
		return t
	}
}
