package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema names.
const (
	SchemaHello        = "hello.schema.json"
	SchemaAction       = "action.schema.json"
	SchemaCommand      = "command.schema.json"
	SchemaNotification = "notification.schema.json"
)

// Validator checks wire frames against the embedded envelope schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	names := []string{SchemaHello, SchemaAction, SchemaCommand, SchemaNotification}
	for _, name := range names {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaURL(name), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

func schemaURL(name string) string { return "mem://protocol/" + name }

// Validate decodes raw and checks it against the named schema.
func (v *Validator) Validate(name string, raw []byte) error {
	s := v.schemas[name]
	if s == nil {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

// ValidateFrame picks the schema from the frame's type field.
func (v *Validator) ValidateFrame(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, err
	}
	switch base.Type {
	case TypeHello:
		return base, v.Validate(SchemaHello, raw)
	case TypeCommand:
		return base, v.Validate(SchemaCommand, raw)
	}
	if ActionKind(base.Type).Valid() {
		return base, v.Validate(SchemaAction, raw)
	}
	return base, fmt.Errorf("unknown frame type %q", base.Type)
}
