// Package config loads the Runtime's (spec.md §5 "Shared resources")
// settings from a YAML file: compiler and evaluator limits, the
// capability allow-list, and the two-layer environment overlay §3
// describes. The document is validated against an embedded JSON
// Schema before it is trusted, the same defense in depth
// core/types/validation.go applies to decorator parameters in the
// teacher.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/runtime/compiler"
	"github.com/aledsdavies/sievevm/runtime/eval"
)

// Limits mirrors spec.md §6.1's compiler settings plus the
// runtime-only knobs §5/§6 add.
type Limits struct {
	MaxScriptSize         int `json:"max_script_size" yaml:"max_script_size"`
	MaxStringSize         int `json:"max_string_size" yaml:"max_string_size"`
	MaxVariableSize       int `json:"max_variable_size" yaml:"max_variable_size"`
	MaxNestedBlocks       int `json:"max_nested_blocks" yaml:"max_nested_blocks"`
	MaxNestedTests        int `json:"max_nested_tests" yaml:"max_nested_tests"`
	MaxNestedForEveryPart int `json:"max_nested_foreverypart" yaml:"max_nested_foreverypart"`
	MaxMatchVariables     int `json:"max_match_variables" yaml:"max_match_variables"`
	MaxLocalVariables     int `json:"max_local_variables" yaml:"max_local_variables"`
	MaxHeaderSize         int `json:"max_header_size" yaml:"max_header_size"`
	MaxIncludes           int `json:"max_includes" yaml:"max_includes"`
	MaxIncludeScripts     int `json:"max_include_scripts" yaml:"max_include_scripts"`
	MaxInstructions       int `json:"max_instructions" yaml:"max_instructions"`
	MaxRedirects          int `json:"max_redirects" yaml:"max_redirects"`
	MaxReceivedHeaders    int `json:"max_received_headers" yaml:"max_received_headers"`
}

// DefaultLimits matches the conservative defaults spec.md §6.1 lists,
// extended with this module's runtime-only knobs.
var DefaultLimits = Limits{
	MaxScriptSize:         1 << 20,
	MaxStringSize:         1 << 16,
	MaxVariableSize:       32768,
	MaxNestedBlocks:       15,
	MaxNestedTests:        20,
	MaxNestedForEveryPart: 5,
	MaxMatchVariables:     bytecode.MaxMatchVariables,
	MaxLocalVariables:     256,
	MaxHeaderSize:         1 << 16,
	MaxIncludes:           10,
	MaxIncludeScripts:     10,
	MaxInstructions:       100000,
	MaxRedirects:          10,
	MaxReceivedHeaders:    100,
}

// Environment is the YAML-document shape of the two-layer read-only
// overlay spec.md §3 describes: an instance layer (per-deployment)
// and a runtime-configured layer, consulted in that order.
type Environment struct {
	Instance map[string]string `json:"instance" yaml:"instance"`
	Runtime  map[string]string `json:"runtime" yaml:"runtime"`
}

// Config is the fully-validated, fully-typed settings document a
// deployment loads once at startup and shares read-only across every
// Evaluator it runs (spec.md §5 "Shared resources").
type Config struct {
	Limits      Limits      `json:"limits" yaml:"limits"`
	Allowlist   []string    `json:"allowlist" yaml:"allowlist"`
	Environment Environment `json:"environment" yaml:"environment"`
}

// document is the wire shape Load unmarshals and schema-validates
// before converting it into Config; every field is optional so a
// caller's partial override file only needs to name what it changes.
type document struct {
	Limits      map[string]any `yaml:"limits"`
	Allowlist   []string       `yaml:"allowlist"`
	Environment Environment    `yaml:"environment"`
}

// Load reads path as YAML, validates it against configSchema, and
// returns a Config with DefaultLimits as the floor for any limit the
// document leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return loadBytes(data)
}

func loadBytes(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validateDocument(raw); err != nil {
		return nil, fmt.Errorf("config: schema validation: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg := &Config{
		Limits:      DefaultLimits,
		Allowlist:   doc.Allowlist,
		Environment: doc.Environment,
	}
	applyLimitOverrides(&cfg.Limits, doc.Limits)
	return cfg, nil
}

func applyLimitOverrides(limits *Limits, overrides map[string]any) {
	for name, raw := range overrides {
		n, ok := asInt(raw)
		if !ok {
			continue
		}
		switch name {
		case "max_script_size":
			limits.MaxScriptSize = n
		case "max_string_size":
			limits.MaxStringSize = n
		case "max_variable_size":
			limits.MaxVariableSize = n
		case "max_nested_blocks":
			limits.MaxNestedBlocks = n
		case "max_nested_tests":
			limits.MaxNestedTests = n
		case "max_nested_foreverypart":
			limits.MaxNestedForEveryPart = n
		case "max_match_variables":
			limits.MaxMatchVariables = n
		case "max_local_variables":
			limits.MaxLocalVariables = n
		case "max_header_size":
			limits.MaxHeaderSize = n
		case "max_includes":
			limits.MaxIncludes = n
		case "max_include_scripts":
			limits.MaxIncludeScripts = n
		case "max_instructions":
			limits.MaxInstructions = n
		case "max_redirects":
			limits.MaxRedirects = n
		case "max_received_headers":
			limits.MaxReceivedHeaders = n
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// CompilerLimits projects Limits onto the subset runtime/compiler
// enforces.
func (c *Config) CompilerLimits() compiler.Limits {
	return compiler.Limits{
		MaxNestedBlocks:       c.Limits.MaxNestedBlocks,
		MaxNestedTests:        c.Limits.MaxNestedTests,
		MaxIncludes:           c.Limits.MaxIncludes,
		MaxNestedForEveryPart: c.Limits.MaxNestedForEveryPart,
		MaxScriptSize:         c.Limits.MaxScriptSize,
		MaxStringSize:         c.Limits.MaxStringSize,
	}
}

// ToRuntime builds an *eval.Runtime from this Config: the allow-list,
// environment overlay and evaluator-side limits every Evaluator
// sharing this Runtime will see (spec.md §5 "Shared resources").
// Logger and Metrics are left nil for the caller to set.
func (c *Config) ToRuntime() *eval.Runtime {
	allow := make(map[string]bool, len(c.Allowlist))
	for _, name := range c.Allowlist {
		allow[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return &eval.Runtime{
		Allowlist:    allow,
		Environment:  eval.Environment(c.Environment),
		IncludeCache: make(map[string]*bytecode.Script),

		MaxInstructions:   c.Limits.MaxInstructions,
		MaxIncludeScripts: c.Limits.MaxIncludeScripts,
		MaxRedirects:      c.Limits.MaxRedirects,
		MaxVariableSize:   c.Limits.MaxVariableSize,
	}
}

func validateDocument(raw any) error {
	schemaJSON, err := json.Marshal(configSchema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	jc := jsonschema.NewCompiler()
	jc.Draft = jsonschema.Draft2020
	const schemaURL = "sievevm://config.json"
	if err := jc.AddResource(schemaURL, strings.NewReader(string(schemaJSON))); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := jc.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// jsonschema/v5 validates plain JSON-shaped Go values
	// (map[string]interface{}); the yaml.v3 document is normalized to
	// that shape through toJSONValue before validation.
	normalized, err := toJSONValue(raw)
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	if err := sch.Validate(normalized); err != nil {
		return err
	}
	return nil
}

// toJSONValue round-trips raw through encoding/json so a
// map[string]interface{} parsed by yaml.v3 (whose map keys can be
// any comparable type) becomes the map[string]interface{}-with-
// string-keys shape jsonschema/v5 expects.
func toJSONValue(raw any) (any, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
