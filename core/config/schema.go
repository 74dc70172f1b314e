package config

// configSchema is the JSON Schema a Runtime settings document must
// satisfy before Load trusts it, built the same way
// core/types/jsonschema.go assembles a decorator's parameter schema:
// a plain map literal rather than a struct-tag-derived document, so
// the shape is visible at a glance.
var configSchema = map[string]any{
	"$schema":              "https://json-schema.org/draft/2020-12/schema",
	"$id":                  "sievevm://config.json",
	"title":                "sievevm runtime configuration",
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"limits": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"max_script_size":         nonNegativeInt,
				"max_string_size":         nonNegativeInt,
				"max_variable_size":       nonNegativeInt,
				"max_nested_blocks":       nonNegativeInt,
				"max_nested_tests":        nonNegativeInt,
				"max_nested_foreverypart": nonNegativeInt,
				"max_match_variables":     nonNegativeInt,
				"max_local_variables":     nonNegativeInt,
				"max_header_size":         nonNegativeInt,
				"max_includes":            nonNegativeInt,
				"max_include_scripts":     nonNegativeInt,
				"max_instructions":        nonNegativeInt,
				"max_redirects":           nonNegativeInt,
				"max_received_headers":    nonNegativeInt,
			},
		},
		"allowlist": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"environment": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"instance": stringMap,
				"runtime":  stringMap,
			},
		},
	},
}

var nonNegativeInt = map[string]any{
	"type":    "integer",
	"minimum": 0,
}

var stringMap = map[string]any{
	"type":                 "object",
	"additionalProperties": map[string]any{"type": "string"},
}
