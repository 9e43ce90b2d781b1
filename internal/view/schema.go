package view

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Shape is a compiled structural predicate over a metadata document.
type Shape struct {
	schema *jsonschema.Schema
}

// CompileShape compiles a JSON Schema into a Shape.
func CompileShape(name string, schemaJSON string) (*Shape, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Shape{schema: schema}, nil
}

// KeyOfType builds a Shape that matches documents carrying key with the
// given JSON type ("array", "object", ...).
func KeyOfType(key, jsonType string) (*Shape, error) {
	k, _ := json.Marshal(key)
	src := fmt.Sprintf(`{"type":"object","required":[%s],"properties":{%s:{"type":%q}}}`, k, k, jsonType)
	return CompileShape("has-"+key, src)
}

func mustKeyOfType(key, jsonType string) *Shape {
	s, err := KeyOfType(key, jsonType)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches reports whether doc satisfies the shape. Documents that cannot be
// encoded never match.
func (s *Shape) Matches(doc map[string]any) bool {
	inst, err := instance(doc)
	if err != nil {
		return false
	}
	return s.schema.Validate(inst) == nil
}

// instance re-reads doc through jsonschema.UnmarshalJSON so numbers are
// json.Number, which the validator requires.
func instance(doc map[string]any) (any, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
