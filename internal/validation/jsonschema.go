package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clearlane/confirmd/pkg/schema"
)

// submissionSchemaJSON is the JSON Schema for inbound pipeline submissions.
// Embedded as a constant to avoid filesystem dependencies.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://confirmd.dev/schemas/submission.json",
  "type": "object",
  "required": ["input_location", "source_tag"],
  "properties": {
    "document_id": {
      "type": "string",
      "minLength": 1
    },
    "input_location": {
      "type": "string",
      "minLength": 1
    },
    "source_tag": {
      "type": "string",
      "minLength": 1
    },
    "trace_id": {
      "type": "string"
    }
  },
  "additionalProperties": false
}`

// Validator validates submissions and compiles per-stage response schemas.
// It is safe for concurrent use.
type Validator struct {
	submissionSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a Validator with the submission schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	if err := c.AddResource("https://confirmd.dev/schemas/submission.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add submission schema resource: %w", err)
	}

	compiled, err := c.Compile("https://confirmd.dev/schemas/submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}

	return &Validator{
		submissionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSubmission validates an inbound submission request.
func (v *Validator) ValidateSubmission(req *schema.SubmissionRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "submission is nil")
	}

	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize submission").WithCause(err)
	}

	if err := v.submissionSchema.Validate(doc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// CompileResponseSchema compiles a stage's declared response schema, given as
// a decoded JSON object from config. Compiled schemas are cached by content.
func (v *Validator) CompileResponseSchema(stageName string, raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	bytes, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage %q: serialize response schema: %s", stageName, err.Error()).
			WithStage(stageName).WithCause(err)
	}

	compiled, err := v.getOrCompile(string(bytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage %q: invalid response schema: %s", stageName, err.Error()).
			WithStage(stageName).WithCause(err)
	}
	return compiled, nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(key string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("confirmd://response-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
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

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a PipelineError
// with per-field violation messages.
func toPipelineError(err error) *schema.PipelineError {
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

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
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
