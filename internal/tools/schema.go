package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a tool's input schema. The schema is declared as a
// Go map so it round-trips through JSON to get the number and slice types
// the validator expects.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", name, err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return compiled, nil
}

// validateArgs checks args against the compiled schema. Like compileSchema it
// normalizes through JSON so handler-side maps with Go ints still validate.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// describeValidation turns a validator error into a short caller-safe reason.
func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := "arguments"
		if len(leaf.InstanceLocation) > 0 {
			loc = leaf.InstanceLocation[len(leaf.InstanceLocation)-1]
		}
		rule := "schema"
		if leaf.ErrorKind != nil {
			if kp := leaf.ErrorKind.KeywordPath(); len(kp) > 0 {
				rule = kp[len(kp)-1]
			}
		}
		return fmt.Sprintf("invalid %s: violates %s", loc, rule)
	}
	return "invalid arguments"
}

func cloneSchema(in map[string]any) map[string]any {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
