package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSchemaEmptyGetsPlaceholder(t *testing.T) {
	out := SanitizeSchema(nil)

	assert.Equal(t, "object", out["type"])
	props := out["properties"].(map[string]interface{})
	assert.Contains(t, props, "reason")
	assert.Equal(t, []string{"reason"}, out["required"])
}

func TestSanitizeSchemaAllowlist(t *testing.T) {
	out := SanitizeSchema(map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "minLength": 3},
		},
		"required": []interface{}{"name"},
	})

	assert.NotContains(t, out, "additionalProperties")
	assert.NotContains(t, out, "$schema")
	name := out["properties"].(map[string]interface{})["name"].(map[string]interface{})
	assert.NotContains(t, name, "minLength")
	assert.Equal(t, "string", name["type"])
}

func TestSanitizeSchemaConstBecomesEnum(t *testing.T) {
	out := SanitizeSchema(map[string]interface{}{
		"type":  "string",
		"const": "fixed",
	})

	assert.Equal(t, []interface{}{"fixed"}, out["enum"])
	assert.NotContains(t, out, "const")
}

func TestCleanSchemaUppercasesTypes(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{"type": "integer"},
			"tags":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
	})

	assert.Equal(t, "OBJECT", out["type"])
	props := out["properties"].(map[string]interface{})
	assert.Equal(t, "INTEGER", props["count"].(map[string]interface{})["type"])
	tags := props["tags"].(map[string]interface{})
	assert.Equal(t, "ARRAY", tags["type"])
	assert.Equal(t, "STRING", tags["items"].(map[string]interface{})["type"])
}

func TestCleanSchemaRefBecomesHint(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"$ref": "#/$defs/Location",
	})

	assert.Equal(t, "OBJECT", out["type"])
	assert.Contains(t, out["description"], "See: Location")
	assert.NotContains(t, out, "$ref")
}

func TestCleanSchemaFlattensTypeArrays(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nickname": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
		"required": []interface{}{"nickname"},
	})

	nickname := out["properties"].(map[string]interface{})["nickname"].(map[string]interface{})
	assert.Equal(t, "STRING", nickname["type"])
	assert.Contains(t, nickname["description"], "nullable")
}

func TestCleanSchemaMergesAllOf(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"allOf": []interface{}{
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"a"},
			},
			map[string]interface{}{
				"properties": map[string]interface{}{"b": map[string]interface{}{"type": "integer"}},
			},
		},
	})

	assert.NotContains(t, out, "allOf")
	props := out["properties"].(map[string]interface{})
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Equal(t, []interface{}{"a"}, out["required"])
}

func TestCleanSchemaFlattensAnyOfToBestOption(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "string"},
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
			},
		},
	})

	assert.NotContains(t, out, "anyOf")
	assert.Equal(t, "OBJECT", out["type"])
	assert.Contains(t, out["properties"].(map[string]interface{}), "id")
	assert.Contains(t, out["description"], "Accepts: string | object")
}

func TestCleanSchemaEnumHint(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "string",
		"enum": []interface{}{"red", "green", "blue"},
	})

	assert.Contains(t, out["description"], "Allowed: red, green, blue")
	// enum itself is supported and stays.
	assert.Equal(t, []interface{}{"red", "green", "blue"}, out["enum"])
}

func TestCleanSchemaPrunesDanglingRequired(t *testing.T) {
	out := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kept": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"kept", "ghost"},
	})

	require.Equal(t, []interface{}{"kept"}, out["required"])
}

func TestCleanSchemaDoesNotMutateInput(t *testing.T) {
	in := map[string]interface{}{
		"type":    "object",
		"$schema": "x",
		"properties": map[string]interface{}{
			"a": map[string]interface{}{"type": "string"},
		},
	}
	_ = CleanSchema(in)

	assert.Equal(t, "object", in["type"])
	assert.Contains(t, in, "$schema")
}
