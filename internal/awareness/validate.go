package awareness

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidState = errors.New("invalid awareness state")

const DefaultMaxStateBytes = 4096

// PresenceSchema describes what editors publish: display name and color plus
// an optional cursor or selection expressed as visible leaf offsets.
const PresenceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "name": {"type": "string", "maxLength": 64},
    "color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
    "cursor": {"$ref": "#/$defs/position"},
    "selection": {
      "type": "object",
      "properties": {
        "anchor": {"$ref": "#/$defs/position"},
        "head": {"$ref": "#/$defs/position"}
      },
      "required": ["anchor", "head"]
    }
  },
  "$defs": {
    "position": {"type": "integer", "minimum": 0}
  }
}`

type Validator struct {
	schema   *jsonschema.Schema
	maxBytes int
}

func NewValidator(schemaJSON string, maxBytes int) (*Validator, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxStateBytes
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse presence schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("presence.json", doc); err != nil {
		return nil, fmt.Errorf("add presence schema: %w", err)
	}
	sch, err := c.Compile("presence.json")
	if err != nil {
		return nil, fmt.Errorf("compile presence schema: %w", err)
	}
	return &Validator{schema: sch, maxBytes: maxBytes}, nil
}

func NewDefaultValidator() *Validator {
	v, err := NewValidator(PresenceSchema, DefaultMaxStateBytes)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) Validate(state []byte) error {
	if len(state) > v.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidState, len(state), v.maxBytes)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(state))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}
