package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/plangraph/pkg/schema"
)

const schemaBaseURL = "https://plangraph.dev/schemas/stream/"

// streamSchemas maps each stream event tag to the JSON Schema of its payload.
// Node payloads only pin identity and type; variant fields are decoded leniently.
var streamSchemas = map[string]string{
	schema.StreamDrafting: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema"
}`,
	schema.StreamPlanInit: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plan_id"],
  "properties": {
    "plan_id": { "type": "string", "minLength": 1 },
    "project_name": { "type": ["string", "null"] },
    "conversation_session_id": { "type": ["string", "null"] }
  }
}`,
	schema.StreamNodeAdded: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["node"],
  "properties": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "enum": ["action", "logic_gate", "replan_trigger"] },
        "stage": { "type": "string" },
        "status": { "type": "string" },
        "title": { "type": ["string", "null"] },
        "instruction": { "type": ["string", "null"] },
        "pending_instruction": { "type": ["string", "null"] },
        "model_override": { "type": ["string", "null"] },
        "reason": { "type": ["string", "null"] },
        "position": {
          "type": ["object", "null"],
          "required": ["x", "y"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        },
        "rules": {
          "type": ["array", "null"],
          "items": { "type": "object" }
        }
      }
    }
  }
}`,
	schema.StreamLinkAdded: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "target"],
  "properties": {
    "source": { "type": "string", "minLength": 1 },
    "target": { "type": "string", "minLength": 1 }
  }
}`,
	schema.StreamPlanReady: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": ["object", "null"],
  "properties": {
    "plan_id": { "type": "string", "minLength": 1 }
  }
}`,
	schema.StreamPlanError: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string" }
  }
}`,
}

// JSONSchemaValidator implements EventValidator using JSON Schema Draft 2020-12.
// Schemas are compiled once at construction; it is safe for concurrent use.
type JSONSchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the stream payload schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[string]*jsonschema.Schema, len(streamSchemas))
	for event, src := range streamSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", event, err)
		}
		url := schemaBaseURL + event + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", event, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", event, err)
		}
		compiled[event] = s
	}
	return &JSONSchemaValidator{schemas: compiled}, nil
}

func (v *JSONSchemaValidator) Known(event string) bool {
	_, ok := v.schemas[event]
	return ok
}

func (v *JSONSchemaValidator) ValidateEvent(event string, data json.RawMessage) error {
	s, ok := v.schemas[event]
	if !ok {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
		if event == schema.StreamDrafting {
			return nil
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s payload is not valid JSON", event).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toPlanError(event, err)
	}
	return nil
}

// toPlanError converts a jsonschema.ValidationError into a PlanError listing
// each leaf violation with its instance location.
func toPlanError(event string, err error) *schema.PlanError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	details := map[string]any{"event": event, "violations": violations}
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error()).WithDetails(details)
	case 1:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", event, violations[0]).WithDetails(details)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s payload failed with %d errors", event, len(violations)).
			WithDetails(details)
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
