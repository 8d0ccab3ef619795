package convert

import (
	"bytes"
	_ "embed"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

// Schema checks documents against the {"datos": [...]} contract.
type Schema struct {
	s *jsonschema.Schema
}

// CompileSchema compiles the embedded document schema.
func CompileSchema() (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tarifas.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, eris.Wrap(err, "convert: add schema")
	}
	s, err := compiler.Compile("tarifas.json")
	if err != nil {
		return nil, eris.Wrap(err, "convert: compile schema")
	}
	return &Schema{s: s}, nil
}

// Validate checks an encoded document.
func (s *Schema) Validate(doc []byte) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return eris.Wrap(err, "convert: decode document")
	}
	if err := s.s.Validate(v); err != nil {
		return eris.Wrap(err, "convert: document does not match schema")
	}
	return nil
}
