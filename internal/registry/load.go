package registry

import (
	"fmt"
	"io"
	"os"

	"github.com/jeanpaul/spawngate/internal/schema"
	"gopkg.in/yaml.v3"
)

// File is the on-disk registry layout.
type File struct {
	Agents       []Agent             `yaml:"agents"`
	Capabilities map[string][]string `yaml:"capabilities,omitempty"`
}

var fileSchema = map[string]any{
	"type":     "object",
	"required": []string{"agents"},
	"properties": map[string]any{
		"agents": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []string{"name", "display_name", "description", "model", "tools"},
				"properties": map[string]any{
					"name":         map[string]any{"type": "string", "pattern": "^[A-Za-z0-9_-]+$"},
					"display_name": map[string]any{"type": "string"},
					"description":  map[string]any{"type": "string"},
					"model":        map[string]any{"type": "string"},
					"tools":        stringList,
				},
			},
		},
		"capabilities": map[string]any{
			"type":                 "object",
			"additionalProperties": stringList,
		},
	},
}

var stringList = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

var validator = schema.NewValidator()

// Load reads a registry file. When the file has no capabilities section the
// built-in matrix is used, which then has to cover exactly the same agents.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse registry: empty document")
	}
	if err := validator.ValidateValue(fileSchema, doc); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	caps := f.Capabilities
	if caps == nil {
		caps = DefaultCapabilities()
	}
	return New(f.Agents, caps)
}

// Export writes the registry in the layout Load reads.
func (r *Registry) Export(w io.Writer) error {
	f := File{Agents: r.Agents(), Capabilities: make(map[string][]string, len(r.capabilities))}
	for k, v := range r.capabilities {
		f.Capabilities[k] = append([]string{}, v...)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}
