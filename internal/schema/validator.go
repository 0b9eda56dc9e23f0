package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.schema.yaml
var schemaFS embed.FS

// Validator handles JSON schema validation
type Validator struct {
	configSchema  *jsonschema.Schema
	jobsSchema    *jsonschema.Schema
	contextSchema *jsonschema.Schema
}

// NewValidator compiles the embedded schemas
func NewValidator() (*Validator, error) {
	v := &Validator{}

	configSchema, err := loadSchema("config")
	if err != nil {
		return nil, fmt.Errorf("failed to load config schema: %w", err)
	}
	v.configSchema = configSchema

	jobsSchema, err := loadSchema("jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs schema: %w", err)
	}
	v.jobsSchema = jobsSchema

	contextSchema, err := loadSchema("context")
	if err != nil {
		return nil, fmt.Errorf("failed to load context schema: %w", err)
	}
	v.contextSchema = contextSchema

	return v, nil
}

// ValidateConfig validates a configuration document
func (v *Validator) ValidateConfig(data interface{}) error {
	if v.configSchema == nil {
		return fmt.Errorf("config schema not loaded")
	}
	return v.configSchema.Validate(data)
}

// ValidateJobSpec validates a job file
func (v *Validator) ValidateJobSpec(data interface{}) error {
	if v.jobsSchema == nil {
		return fmt.Errorf("jobs schema not loaded")
	}
	return v.jobsSchema.Validate(data)
}

// ValidateContext validates a dispatch state document
func (v *Validator) ValidateContext(data interface{}) error {
	if v.contextSchema == nil {
		return fmt.Errorf("context schema not loaded")
	}
	return v.contextSchema.Validate(data)
}

// Decode turns a YAML or JSON document into the generic form the validator
// expects. Going through JSON keeps numbers and timestamps in JSON types.
func Decode(data []byte) (interface{}, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}
	return generic, nil
}

// loadSchema compiles one embedded schema (YAML) under a stable URI
func loadSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.schema.yaml", name))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	// Parse YAML to interface{} (supports both YAML and JSON)
	var schemaData interface{}
	if err := yaml.Unmarshal(data, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	// Convert to JSON for schema compiler
	jsonData, err := json.Marshal(schemaData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	uri := fmt.Sprintf("eapm://schemas/%s.schema.json", name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(uri, bytes.NewReader(jsonData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return schema, nil
}
