package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var personSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name": map[string]any{"type": "string", "minLength": 1},
		"age":  map[string]any{"type": "integer"},
	},
	"required": []string{"name"},
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Validate(personSchema, []byte(`{"name":"ada","age":36}`)))

	err := v.Validate(personSchema, []byte(`{"age":"old"}`))
	require.Error(t, err)
	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 2)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestValidate_RawSchema(t *testing.T) {
	v := NewValidator()
	raw := `{"type":"array","items":{"type":"string"}}`

	assert.NoError(t, v.Validate(raw, []byte(`["a","b"]`)))
	assert.Error(t, v.Validate(raw, []byte(`[1]`)))
}

func TestValidate_InvalidSchema(t *testing.T) {
	v := NewValidator()
	err := v.Validate(`{"type": 12}`, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema definition")
}

func TestValidateValue(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateValue(personSchema, map[string]any{"name": "grace"}))
	assert.Error(t, v.ValidateValue(personSchema, map[string]any{"name": ""}))
}

func TestViolationError_Truncates(t *testing.T) {
	err := &ViolationError{Violations: []string{"a", "b", "c", "d", "e"}}
	assert.Equal(t, "schema validation failed:\n- a\n- b\n- c\n- ... and 2 more", err.Error())
}

func TestCompiledSchemasAreCached(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate(personSchema, []byte(`{"name":"x"}`)))
	require.NoError(t, v.Validate(personSchema, []byte(`{"name":"y"}`)))

	n := 0
	v.cache.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n)
}
