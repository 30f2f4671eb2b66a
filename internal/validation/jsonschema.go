package validation

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

//go:embed task.schema.json
var taskSchemaJSON []byte

const taskSchemaURL = "https://julep.local/schemas/task.json"

var messages = message.NewPrinter(language.English)

// Violation is one leaf failure of a JSON Schema check. Path is a JSON
// pointer into the validated document.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// JSONSchemaValidator checks task definitions against the step language
// schema and execution arguments against each task's input_schema
// (draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	task *jsonschema.Schema

	mu     sync.RWMutex
	inputs map[string]*jsonschema.Schema // by sha256 of the schema JSON
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	task, err := compileSchema(taskSchemaURL, taskSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("task schema: %w", err)
	}
	return &JSONSchemaValidator{task: task, inputs: make(map[string]*jsonschema.Schema)}, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ValidateDefinition checks the encoded form of task.
func (v *JSONSchemaValidator) ValidateDefinition(task *schema.Task) error {
	if task == nil {
		return schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	return check(v.task, task, "task")
}

// ValidateArguments checks args against inputSchema. Nil args are checked
// as an empty object; an empty inputSchema accepts anything.
func (v *JSONSchemaValidator) ValidateArguments(args map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.inputSchema(inputSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid input schema: %s", err.Error()).WithCause(err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return check(compiled, args, "arguments")
}

func (v *JSONSchemaValidator) inputSchema(inputSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	compiled, ok := v.inputs[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err = compileSchema("julep://input-schema/"+key, raw)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.inputs[key]; ok {
		return existing, nil
	}
	v.inputs[key] = compiled
	return compiled, nil
}

// check validates the JSON form of value. Numbers must arrive as
// json.Number, hence the round trip.
func check(s *jsonschema.Schema, value any, what string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s", what).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode %s", what).WithCause(err)
	}

	err = s.Validate(doc)
	var verr *jsonschema.ValidationError
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &verr):
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := leafViolations(verr, nil)
	msg := violations[0].String()
	if len(violations) > 1 {
		msg = fmt.Sprintf("%s has %d schema violations, first %s", what, len(violations), msg)
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func leafViolations(verr *jsonschema.ValidationError, acc []Violation) []Violation {
	if len(verr.Causes) == 0 {
		return append(acc, Violation{
			Path:    "/" + strings.Join(verr.InstanceLocation, "/"),
			Message: verr.ErrorKind.LocalizedString(messages),
		})
	}
	for _, cause := range verr.Causes {
		acc = leafViolations(cause, acc)
	}
	return acc
}
