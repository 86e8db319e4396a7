package validation

import (
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowgate/pkg/schema"
)

const workflowSchemaURL = "https://flowgate.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowgate.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "transitions": {
      "type": "array",
      "items": { "$ref": "#/$defs/transition" }
    },
    "gates": {
      "type": "array",
      "items": { "$ref": "#/$defs/gate" }
    },
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "default": {},
          "description": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "rules": { "type": "array", "items": { "type": "string" } },
    "parallel_groups": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "node_ids"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "node_ids": { "type": "array", "minItems": 1, "items": { "type": "string" } }
        },
        "additionalProperties": false
      }
    },
    "defaults": { "$ref": "#/$defs/config" },
    "working_dir": { "type": "string" },
    "timeout": { "$ref": "#/$defs/duration" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["agent", "control"] },
        "type": { "type": "string" },
        "label": { "type": "string" },
        "config": { "$ref": "#/$defs/config" }
      },
      "additionalProperties": false
    },
    "config": {
      "type": "object",
      "properties": {
        "model": { "type": "string" },
        "system_prompt": { "type": "string" },
        "prompt_prefix": { "type": "string" },
        "task": { "type": "string" },
        "checklist": { "type": "array", "items": { "type": "string" } },
        "backend": { "type": "string", "enum": ["simulated", "process", "remote"] },
        "endpoint": { "type": "string" },
        "command": { "type": "string" },
        "args": { "type": "array", "items": { "type": "string" } },
        "timeout": { "$ref": "#/$defs/duration" },
        "max_retries": { "type": "integer", "minimum": 0 },
        "retryable_codes": { "type": "array", "items": { "type": "integer" } },
        "backoff_base_ms": { "type": "integer", "minimum": 0 },
        "max_turns": { "type": "integer", "minimum": 0 },
        "gate_mode": { "type": "string", "enum": ["review", "review_once"] },
        "file_restrictions": { "type": "array", "items": { "type": "string" } },
        "read_only": { "type": "boolean" },
        "deliverable_schema": { "type": "object" },
        "condition": {
          "type": "object",
          "required": ["expression"],
          "properties": {
            "expression": { "type": "string" },
            "true_branch": { "type": "string" },
            "false_branch": { "type": "string" }
          },
          "additionalProperties": false
        },
        "for_each": {
          "type": "object",
          "required": ["collection", "body"],
          "properties": {
            "collection": { "type": "string", "minLength": 1 },
            "item_var": { "type": "string" },
            "index_var": { "type": "string" },
            "body": { "type": "array", "minItems": 1, "items": { "type": "string" } },
            "max_iterations": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "sub_workflow": {
          "type": "object",
          "required": ["workflow_id"],
          "properties": {
            "workflow_id": { "type": "string", "minLength": 1 },
            "input_mapping": { "type": "object", "additionalProperties": { "type": "string" } },
            "output_mapping": { "type": "object", "additionalProperties": { "type": "string" } }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "condition": {
          "type": "object",
          "properties": {
            "type": { "type": "string", "enum": ["", "always", "on_success", "on_failure", "expression"] },
            "expression": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "gate": {
      "type": "object",
      "required": ["node_id", "prompt"],
      "properties": {
        "node_id": { "type": "string", "minLength": 1 },
        "prompt": { "type": "string" },
        "options": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["value"],
            "properties": {
              "value": { "type": "string", "minLength": 1 },
              "label": { "type": "string" },
              "default": { "type": "boolean" }
            },
            "additionalProperties": false
          }
        },
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions against the workflow schema and
// documents against caller-supplied schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled document schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateDocument validates doc against a JSON Schema given as a decoded
// object, e.g. a node's deliverable_schema. Compiled schemas are cached.
func (v *JSONSchemaValidator) ValidateDocument(doc map[string]any, schemaDoc map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid document schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid document schema").WithCause(err)
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler per schema; the URL only has to be unique within it.
	url := fmt.Sprintf("flowgate://document-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema.ValidationError into a FlowError whose
// details list every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
