package memory

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout accepted by LoadSeed:
//
//	collections:
//	  yachts:
//	    - id: y1
//	      media: ["https://cdn.example/a.jpg"]
type seedFile struct {
	Collections map[string][]map[string]any `yaml:"collections"`
}

// LoadSeedFile reads documents from a YAML file into s.
func (s *DocumentStore) LoadSeedFile(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied seed file.
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return s.LoadSeed(f)
}

// LoadSeed reads documents from YAML. Every document needs a string id.
func (s *DocumentStore) LoadSeed(r io.Reader) (int, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	loaded := 0
	for collection, docs := range seed.Collections {
		for i, raw := range docs {
			doc, _ := stringKeys(raw).(map[string]any)
			id, ok := doc["id"].(string)
			if !ok || id == "" {
				return loaded, fmt.Errorf("seed %s[%d]: missing string id", collection, i)
			}
			delete(doc, "id")
			s.Put(collection, id, doc)
			loaded++
		}
	}
	return loaded, nil
}

// stringKeys converts YAML mappings with non-string keys (media: {0: ...})
// into map[string]any so they look like decoded JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = stringKeys(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stringKeys(e)
		}
		return out
	default:
		return v
	}
}
