// Package schema checks JSON documents against JSON schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// maxReported bounds how many violations end up in one error message.
const maxReported = 3

// Validator checks documents against schemas and caches compiled schemas
// keyed by their JSON encoding.
type Validator struct {
	cache sync.Map // map[string]*gojsonschema.Schema
}

// NewValidator creates a new validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ViolationError lists the schema violations of one document.
type ViolationError struct {
	Violations []string
}

func (e *ViolationError) Error() string {
	shown := e.Violations
	suffix := ""
	if len(shown) > maxReported {
		suffix = fmt.Sprintf("\n- ... and %d more", len(shown)-maxReported)
		shown = shown[:maxReported]
	}
	return "schema validation failed:\n- " + strings.Join(shown, "\n- ") + suffix
}

// Validate checks a JSON document. The schema can be a map, a struct, or raw
// JSON in a string or json.RawMessage.
func (v *Validator) Validate(schemaData any, doc []byte) error {
	s, err := v.compiled(schemaData)
	if err != nil {
		return fmt.Errorf("invalid schema definition: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validation execution failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ViolationError{}
	for _, desc := range result.Errors() {
		verr.Violations = append(verr.Violations, desc.String())
	}
	return verr
}

// ValidateValue marshals value to JSON and validates it.
func (v *Validator) ValidateValue(schemaData any, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return v.Validate(schemaData, doc)
}

func (v *Validator) compiled(schemaData any) (*gojsonschema.Schema, error) {
	var raw []byte
	switch s := schemaData.(type) {
	case string:
		raw = []byte(s)
	case json.RawMessage:
		raw = s
	default:
		b, err := json.Marshal(schemaData)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	key := string(raw)

	if val, ok := v.cache.Load(key); ok {
		return val.(*gojsonschema.Schema), nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, s)
	return s, nil
}
