package config

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// swarmConfigSchema is the JSON schema every swarm configuration document
// must satisfy before it reaches the orchestrator.
const swarmConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["agents"],
  "properties": {
    "agents": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "properties": {
          "instances": {"type": "integer", "minimum": 1},
          "tasks": {"type": "array", "items": {"type": "string"}},
          "resources": {"type": "object"}
        }
      }
    },
    "deployment": {
      "type": "object",
      "properties": {
        "strategy": {"type": "string"},
        "max_concurrent": {"type": "integer", "minimum": 1},
        "timeout": {"type": "string"}
      }
    },
    "metadata": {"type": "object"}
  }
}`

// ValidateSwarmDocument checks a raw swarm configuration document against
// the schema and returns every violation found.
func ValidateSwarmDocument(document map[string]any) error {
	docBytes, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal document: %v", ErrInvalidConfig, err)
	}

	schemaLoader := gojsonschema.NewStringLoader(swarmConfigSchema)
	documentLoader := gojsonschema.NewBytesLoader(docBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		errMsg := "configuration validation failed:"
		for _, desc := range result.Errors() {
			errMsg += fmt.Sprintf("\n  - %s", desc)
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, errMsg)
	}
	return nil
}

// ValidateSwarmConfig round-trips a SwarmConfig through its JSON form and
// validates it against the schema.
func ValidateSwarmConfig(cfg *SwarmConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var document map[string]any
	if err := json.Unmarshal(data, &document); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return ValidateSwarmDocument(document)
}
