package api

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request bodies are validated against JSON Schemas before any handler
// logic runs, so handlers never see structurally invalid input.

const analyzeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "command", "timestamp", "nonce"],
  "additionalProperties": false,
  "properties": {
    "agent_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "command": {"type": "string", "minLength": 1, "maxLength": 4096},
    "timestamp": {"type": "integer"},
    "nonce": {"type": "string", "minLength": 8, "maxLength": 128}
  }
}`

const freezeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "reason": {"type": "string", "maxLength": 1024}
  }
}`

const rejectSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "reason": {"type": "string", "maxLength": 1024}
  }
}`

var (
	analyzeSchema = jsonschema.MustCompileString("analyze.json", analyzeSchemaJSON)
	freezeSchema  = jsonschema.MustCompileString("freeze.json", freezeSchemaJSON)
	rejectSchema  = jsonschema.MustCompileString("reject.json", rejectSchemaJSON)
)

// validateAndDecode checks raw JSON against a schema, then decodes it into
// out. Returns a client-facing error message on failure.
func validateAndDecode(schema *jsonschema.Schema, raw []byte, out interface{}) error {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode failed: %w", err)
	}
	return nil
}
