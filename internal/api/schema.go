package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator holds the compiled request schemas. Bodies are validated
// before any field is read, so malformed input never reaches the engine.
type Validator struct {
	decide      *jsonschema.Schema
	outcome     *jsonschema.Schema
	calibration *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compile := func(name string) (*jsonschema.Schema, error) {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		return c.Compile(name)
	}

	v := &Validator{}
	var err error
	if v.decide, err = compile("decide.json"); err != nil {
		return nil, err
	}
	if v.outcome, err = compile("outcome.json"); err != nil {
		return nil, err
	}
	if v.calibration, err = compile("calibration.json"); err != nil {
		return nil, err
	}
	return v, nil
}

func validate(schema *jsonschema.Schema, body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid json")
	}
	return schema.Validate(doc)
}

func (v *Validator) ValidateDecide(body []byte) error      { return validate(v.decide, body) }
func (v *Validator) ValidateOutcome(body []byte) error     { return validate(v.outcome, body) }
func (v *Validator) ValidateCalibration(body []byte) error { return validate(v.calibration, body) }
