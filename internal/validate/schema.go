package validate

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/exla-ai/synv2/internal/apierr"
)

// BodySchema compiles a JSON Schema once and validates decoded request
// bodies against it, for operator-submitted request bodies that need more
// structure than a handful of field-level checks.
type BodySchema struct {
	schema *jsonschema.Schema
	name   string
}

// CompileBodySchema compiles schemaJSON under the given resource name,
// used only in error messages.
func CompileBodySchema(name string, schemaJSON []byte) (*BodySchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &BodySchema{schema: schema, name: name}, nil
}

// Validate decodes raw JSON and checks it against the compiled schema,
// returning a ValidationError suitable for direct ControlAPI response use.
func (b *BodySchema) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, fmt.Sprintf("invalid JSON in %s request body", b.name))
	}
	if err := b.schema.Validate(parsed); err != nil {
		return apierr.Wrap(apierr.KindValidation, err, fmt.Sprintf("%s request body failed schema validation", b.name))
	}
	return nil
}

// TaskCreateSchemaJSON is the schema for POST /api/projects/:name/task.
var TaskCreateSchemaJSON = []byte(`{
	"type": "object",
	"required": ["name", "description", "type", "goal"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string", "minLength": 1},
		"type": {"enum": ["measurable", "subjective"]},
		"goal": {
			"type": "object",
			"required": ["description"],
			"properties": {
				"description": {"type": "string", "minLength": 1},
				"verify_command": {"type": "string"},
				"target_value": {"type": "number"},
				"direction": {"enum": ["above", "below"]}
			}
		},
		"limits": {
			"type": "object",
			"properties": {
				"max_idle_turns": {"type": "integer", "minimum": 1},
				"max_duration_hours": {"type": "number", "exclusiveMinimum": 0},
				"max_turns": {"type": "integer", "minimum": 1}
			}
		}
	}
}`)

var taskCreateSchema *BodySchema

func init() {
	s, err := CompileBodySchema("task_create", TaskCreateSchemaJSON)
	if err != nil {
		panic(fmt.Sprintf("validate: failed to compile built-in task_create schema: %v", err))
	}
	taskCreateSchema = s
}

// TaskCreateBody validates raw bytes are a well-formed, JSON-Schema-valid
// task creation request.
func TaskCreateBody(raw []byte) error {
	return taskCreateSchema.Validate(raw)
}
