package rule

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ruleSchema is the JSON Schema rule documents must satisfy before they are
// decoded and persisted. It guards the enumerated fields; semantic checks
// (URL shape, mode/script coherence) run in Validate afterwards.
const ruleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenant", "eventType", "scope"],
  "properties": {
    "tenant": {"type": "string", "minLength": 1},
    "orgUnit": {"type": "string"},
    "name": {"type": "string"},
    "eventType": {"type": "string", "minLength": 1},
    "scope": {
      "type": "object",
      "required": ["policy"],
      "properties": {
        "policy": {"enum": ["SELF", "INCLUDE_CHILDREN", "ALL"]},
        "excludes": {"type": "array", "items": {"type": "string"}}
      }
    },
    "target": {"type": "string"},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "auth": {
      "type": "object",
      "properties": {
        "kind": {"enum": ["NONE", "API_KEY", "BASIC", "BEARER", "OAUTH1", "OAUTH2", "CUSTOM"]}
      }
    },
    "timeoutMs": {"type": "integer", "minimum": 0},
    "retryCount": {"type": "integer", "minimum": 0},
    "transform": {
      "type": "object",
      "properties": {
        "kind": {"enum": ["none", "mapping", "script"]}
      }
    },
    "mode": {"enum": ["immediate", "delayed", "recurring"]},
    "priority": {"type": "integer"},
    "rateLimit": {
      "type": "object",
      "properties": {
        "capacity": {"type": "integer", "minimum": 0},
        "windowSeconds": {"type": "integer", "minimum": 0}
      }
    },
    "circuitBreaker": {
      "type": "object",
      "properties": {
        "threshold": {"type": "integer", "minimum": -1},
        "openMs": {"type": "integer", "minimum": 0}
      }
    },
    "active": {"type": "boolean"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ValidateDocument checks a raw rule document against the rule schema.
func ValidateDocument(raw []byte) error {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(ruleSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal rule schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("rule.json", doc); err != nil {
			schemaErr = fmt.Errorf("add rule schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("rule.json")
	})
	if schemaErr != nil {
		return schemaErr
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if err := compiledSchema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}
