// Package operations maps agent-facing operation names onto host endpoints.
// The catalogue is embedded YAML; each operation carries a JSON schema that
// arguments are checked against before anything is queued for the host.
package operations

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Category separates operations that only inspect the place from those
// that change it.
type Category string

const (
	Read  Category = "read"
	Write Category = "write"
)

// Operation is one catalogue entry.
type Operation struct {
	Name        string         `yaml:"name"`
	Endpoint    string         `yaml:"endpoint"`
	Category    Category       `yaml:"category"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
	// PropertiesEndpoint replaces Endpoint when any entry of the "objects"
	// argument carries properties.
	PropertiesEndpoint string `yaml:"properties_endpoint"`

	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// SchemaJSON returns the input schema as JSON.
func (o *Operation) SchemaJSON() json.RawMessage { return o.schemaJSON }

type catalogFile struct {
	Operations []*Operation `yaml:"operations"`
}

// Catalog is the parsed, schema-compiled operation list.
type Catalog struct {
	ops []*Operation
}

// LoadCatalog parses the embedded catalogue.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog parses a YAML catalogue and compiles every schema.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(file.Operations))
	for _, op := range file.Operations {
		if op.Name == "" || op.Endpoint == "" {
			return nil, fmt.Errorf("catalog entry missing name or endpoint: %+v", op)
		}
		if seen[op.Name] {
			return nil, fmt.Errorf("duplicate operation %q", op.Name)
		}
		seen[op.Name] = true
		switch op.Category {
		case Read, Write:
		default:
			return nil, fmt.Errorf("operation %q: unknown category %q", op.Name, op.Category)
		}
		if err := op.compile(); err != nil {
			return nil, fmt.Errorf("operation %q: %w", op.Name, err)
		}
	}
	return &Catalog{ops: file.Operations}, nil
}

func (o *Operation) compile() error {
	if o.InputSchema == nil {
		o.InputSchema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(o.InputSchema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := o.Name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	o.schema = schema
	o.schemaJSON = raw
	return nil
}

// Profile returns the operations exposed by a profile. The read-only
// profile drops every write operation.
func (c *Catalog) Profile(readOnly bool) []*Operation {
	out := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		if readOnly && op.Category != Read {
			continue
		}
		out = append(out, op)
	}
	return out
}
