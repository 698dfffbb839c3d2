package format

import (
	"fmt"
	"strings"
)

// Tool schemas arrive as arbitrary JSON Schema, but the backend accepts
// only a narrow subset. SanitizeSchema allowlists the portable fields and
// CleanSchema then rewrites the remaining JSON Schema constructs into
// forms Gemini tolerates, preserving dropped information as description
// hints so the model still sees it.

var placeholderProperties = map[string]interface{}{
	"reason": map[string]interface{}{
		"type":        "string",
		"description": "Reason for calling this tool",
	},
}

// SanitizeSchema reduces a tool schema to known-safe JSON Schema fields.
// const becomes a single-value enum; empty schemas get a placeholder
// property because the backend rejects propertyless objects.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return map[string]interface{}{
			"type":       "object",
			"properties": placeholderProperties,
			"required":   []string{"reason"},
		}
	}

	allowed := map[string]bool{
		"type": true, "description": true, "properties": true,
		"required": true, "items": true, "enum": true, "title": true,
	}

	out := make(map[string]interface{})
	for key, value := range schema {
		if key == "const" {
			out["enum"] = []interface{}{value}
			continue
		}
		if !allowed[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				out["properties"] = mapValues(props, SanitizeSchema)
			}
		case "items":
			out["items"] = sanitizeItems(value)
		default:
			if nested, ok := value.(map[string]interface{}); ok {
				out[key] = SanitizeSchema(nested)
			} else {
				out[key] = value
			}
		}
	}

	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		if props, ok := out["properties"].(map[string]interface{}); !ok || len(props) == 0 {
			out["properties"] = placeholderProperties
			out["required"] = []string{"reason"}
		}
	}
	return out
}

func sanitizeItems(value interface{}) interface{} {
	switch items := value.(type) {
	case map[string]interface{}:
		return SanitizeSchema(items)
	case []interface{}:
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, SanitizeSchema(m))
			} else {
				out = append(out, item)
			}
		}
		return out
	default:
		return value
	}
}

// unsupportedKeys are stripped outright after their information has been
// folded into description hints.
var unsupportedKeys = []string{
	"additionalProperties", "default", "$schema", "$defs",
	"definitions", "$ref", "$id", "$comment", "title",
	"minLength", "maxLength", "pattern", "format",
	"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
}

// CleanSchema rewrites a sanitized schema into the dialect Gemini
// accepts: $refs become hints, allOf merges, anyOf/oneOf collapse to
// their most informative branch, type arrays flatten, constraints move
// into the description, and type names go uppercase.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	out := refToHint(schema)
	out = hintConstraints(out)
	out = mergeAllOf(out)
	out = flattenUnions(out)
	out = flattenTypeArray(out)

	for _, key := range unsupportedKeys {
		delete(out, key)
	}

	if props, ok := out["properties"].(map[string]interface{}); ok {
		out["properties"] = mapValues(props, CleanSchema)
	}
	if items, ok := out["items"].(map[string]interface{}); ok {
		out["items"] = CleanSchema(items)
	} else if items, ok := out["items"].([]interface{}); ok {
		cleaned := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				cleaned = append(cleaned, CleanSchema(m))
			} else {
				cleaned = append(cleaned, item)
			}
		}
		out["items"] = cleaned
	}

	pruneRequired(out)

	if t, ok := out["type"].(string); ok {
		out["type"] = googleType(t)
	}
	return out
}

// refToHint replaces a $ref with a plain object whose description names
// the referenced definition.
func refToHint(schema map[string]interface{}) map[string]interface{} {
	out := copyMap(schema)

	if ref, ok := out["$ref"].(string); ok {
		pieces := strings.Split(ref, "/")
		name := pieces[len(pieces)-1]
		if name == "" {
			name = "unknown"
		}
		return appendHint(map[string]interface{}{
			"type":        "object",
			"description": out["description"],
		}, "See: "+name)
	}
	return out
}

// hintConstraints folds enum lists, additionalProperties: false, and
// numeric or string constraints into the description.
func hintConstraints(schema map[string]interface{}) map[string]interface{} {
	out := copyMap(schema)

	if enum, ok := out["enum"].([]interface{}); ok && len(enum) > 1 && len(enum) <= 10 {
		vals := make([]string, 0, len(enum))
		for _, v := range enum {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		out = appendHint(out, "Allowed: "+strings.Join(vals, ", "))
	}
	if out["additionalProperties"] == false {
		out = appendHint(out, "No extra properties allowed")
	}
	for _, key := range []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"} {
		if v, ok := out[key]; ok {
			if _, isMap := v.(map[string]interface{}); !isMap {
				out = appendHint(out, fmt.Sprintf("%s: %v", key, v))
			}
		}
	}
	return out
}

// mergeAllOf folds every allOf branch into the parent: properties union,
// required union, first occurrence wins for scalar fields.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	out := copyMap(schema)

	branches, ok := out["allOf"].([]interface{})
	if !ok || len(branches) == 0 {
		return out
	}
	delete(out, "allOf")

	props, _ := out["properties"].(map[string]interface{})
	if props == nil {
		props = make(map[string]interface{})
	}
	required := stringSet(out["required"])

	for _, raw := range branches {
		branch, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if bp, ok := branch["properties"].(map[string]interface{}); ok {
			for k, v := range bp {
				if _, exists := props[k]; !exists {
					props[k] = v
				}
			}
		}
		for name := range stringSet(branch["required"]) {
			required[name] = true
		}
		for k, v := range branch {
			if k == "properties" || k == "required" {
				continue
			}
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}

	if len(props) > 0 {
		out["properties"] = props
	}
	if len(required) > 0 {
		names := make([]interface{}, 0, len(required))
		for name := range required {
			names = append(names, name)
		}
		out["required"] = names
	}
	return out
}

// flattenUnions collapses anyOf/oneOf onto the branch that carries the
// most structure, noting the alternatives in the description.
func flattenUnions(schema map[string]interface{}) map[string]interface{} {
	out := copyMap(schema)

	for _, key := range []string{"anyOf", "oneOf"} {
		options, ok := out[key].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}
		delete(out, key)

		var best map[string]interface{}
		bestScore := -1
		var typeNames []string

		for _, raw := range options {
			opt, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if name := optionTypeName(opt); name != "" && name != "null" {
				typeNames = append(typeNames, name)
			}
			if score := scoreOption(opt); score > bestScore {
				bestScore = score
				best = opt
			}
		}
		if best == nil {
			continue
		}

		parentDesc, _ := out["description"].(string)
		for k, v := range flattenUnions(best) {
			switch {
			case k == "description":
				if desc, ok := v.(string); ok && desc != "" && desc != parentDesc {
					if parentDesc != "" {
						out["description"] = fmt.Sprintf("%s (%s)", parentDesc, desc)
					} else {
						out["description"] = desc
					}
				}
			case k == "type" || k == "properties" || k == "items":
				out[k] = v
			default:
				if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
		}

		if unique := dedupe(typeNames); len(unique) > 1 {
			out = appendHint(out, "Accepts: "+strings.Join(unique, " | "))
		}
	}
	return out
}

func optionTypeName(opt map[string]interface{}) string {
	if t, ok := opt["type"].(string); ok {
		return t
	}
	if opt["properties"] != nil {
		return "object"
	}
	return ""
}

// scoreOption ranks union branches by structure: objects over arrays over
// scalars over null.
func scoreOption(opt map[string]interface{}) int {
	switch {
	case opt["type"] == "object" || opt["properties"] != nil:
		return 3
	case opt["type"] == "array" || opt["items"] != nil:
		return 2
	default:
		if t, ok := opt["type"].(string); ok && t != "null" {
			return 1
		}
		return 0
	}
}

// flattenTypeArray reduces ["string","null"]-style types to the first
// non-null member and marks nullable fields in the description.
func flattenTypeArray(schema map[string]interface{}) map[string]interface{} {
	out := copyMap(schema)

	typeArr, ok := out["type"].([]interface{})
	if !ok {
		return out
	}

	hasNull := false
	var types []string
	for _, raw := range typeArr {
		if t, ok := raw.(string); ok {
			if t == "null" {
				hasNull = true
			} else if t != "" {
				types = append(types, t)
			}
		}
	}

	out["type"] = "string"
	if len(types) > 0 {
		out["type"] = types[0]
	}
	if len(types) > 1 {
		out = appendHint(out, "Accepts: "+strings.Join(types, " | "))
	}
	if hasNull {
		out = appendHint(out, "nullable")
	}
	return out
}

// pruneRequired drops required entries that name no existing property.
func pruneRequired(schema map[string]interface{}) {
	required, ok := schema["required"].([]interface{})
	if !ok {
		return
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return
	}

	kept := make([]interface{}, 0, len(required))
	for _, raw := range required {
		if name, ok := raw.(string); ok {
			if _, exists := props[name]; exists {
				kept = append(kept, name)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
}

var googleTypes = map[string]string{
	"string": "STRING", "number": "NUMBER", "integer": "INTEGER",
	"boolean": "BOOLEAN", "array": "ARRAY", "object": "OBJECT",
	"null": "STRING",
}

func googleType(name string) string {
	if name == "" {
		return name
	}
	if upper, ok := googleTypes[strings.ToLower(name)]; ok {
		return upper
	}
	return strings.ToUpper(name)
}

func appendHint(schema map[string]interface{}, hint string) map[string]interface{} {
	out := copyMap(schema)
	if desc, ok := out["description"].(string); ok && desc != "" {
		out["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		out["description"] = hint
	}
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mapValues(m map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = fn(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func stringSet(v interface{}) map[string]bool {
	set := make(map[string]bool)
	if arr, ok := v.([]interface{}); ok {
		for _, raw := range arr {
			if s, ok := raw.(string); ok {
				set[s] = true
			}
		}
	}
	return set
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
