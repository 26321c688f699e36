// Package schema parses JSON Schema documents into a small tagged-variant
// descriptor used for structural validation. Schemas are data: nothing in a
// schema string is ever executed.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind tags a Descriptor.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindUnion   Kind = "union"
	KindAny     Kind = "any"
)

// Descriptor describes the shape of a JSON value.
type Descriptor struct {
	Kind       Kind                   `json:"kind"`
	Properties map[string]*Descriptor `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`
	Items      *Descriptor            `json:"items,omitempty"`
	Variants   []*Descriptor          `json:"variants,omitempty"`
	Enum       []any                  `json:"enum,omitempty"`
}

// rawSchema is the subset of JSON Schema keywords we understand.
type rawSchema struct {
	Type       json.RawMessage            `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
	Items      json.RawMessage            `json:"items"`
	AnyOf      []json.RawMessage          `json:"anyOf"`
	OneOf      []json.RawMessage          `json:"oneOf"`
	Enum       []any                      `json:"enum"`
}

// Parse parses a JSON Schema document.
func Parse(src string) (*Descriptor, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty schema")
	}
	return parseRaw(json.RawMessage(src), "$")
}

func parseRaw(data json.RawMessage, path string) (*Descriptor, error) {
	var raw rawSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: invalid schema: %w", path, err)
	}

	if variants := append(raw.AnyOf, raw.OneOf...); len(variants) > 0 {
		d := &Descriptor{Kind: KindUnion}
		for i, v := range variants {
			vd, err := parseRaw(v, fmt.Sprintf("%s.anyOf[%d]", path, i))
			if err != nil {
				return nil, err
			}
			d.Variants = append(d.Variants, vd)
		}
		return d, nil
	}

	types, err := parseTypes(raw.Type, path)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		switch {
		case raw.Properties != nil:
			types = []Kind{KindObject}
		case len(raw.Items) > 0:
			types = []Kind{KindArray}
		case raw.Enum != nil:
			return &Descriptor{Kind: KindAny, Enum: raw.Enum}, nil
		default:
			return &Descriptor{Kind: KindAny}, nil
		}
	}

	if len(types) > 1 {
		d := &Descriptor{Kind: KindUnion}
		for _, k := range types {
			vd, err := build(k, raw, path)
			if err != nil {
				return nil, err
			}
			d.Variants = append(d.Variants, vd)
		}
		return d, nil
	}
	return build(types[0], raw, path)
}

func parseTypes(data json.RawMessage, path string) ([]Kind, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var names []string
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		names = []string{single}
	} else if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("%s: type must be a string or array of strings", path)
	}

	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k := Kind(n)
		switch k {
		case KindString, KindNumber, KindInteger, KindBoolean, KindNull, KindObject, KindArray:
			kinds = append(kinds, k)
		default:
			return nil, fmt.Errorf("%s: unsupported type %q", path, n)
		}
	}
	return kinds, nil
}

func build(k Kind, raw rawSchema, path string) (*Descriptor, error) {
	d := &Descriptor{Kind: k, Enum: raw.Enum}
	switch k {
	case KindObject:
		d.Required = raw.Required
		if len(raw.Properties) > 0 {
			d.Properties = make(map[string]*Descriptor, len(raw.Properties))
			for name, p := range raw.Properties {
				pd, err := parseRaw(p, path+"."+name)
				if err != nil {
					return nil, err
				}
				d.Properties[name] = pd
			}
		}
	case KindArray:
		if len(raw.Items) > 0 {
			id, err := parseRaw(raw.Items, path+"[]")
			if err != nil {
				return nil, err
			}
			d.Items = id
		}
	}
	return d, nil
}

// ParseValue decodes a JSON document into the generic representation used
// by Validate.
func ParseValue(data string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate reports the first structural mismatch between v and d.
// v must be a value produced by encoding/json decoding into any.
func (d *Descriptor) Validate(v any) error {
	return d.validate(v, "$")
}

func (d *Descriptor) validate(v any, path string) error {
	if d == nil {
		return nil
	}
	if len(d.Enum) > 0 && !inEnum(v, d.Enum) {
		return fmt.Errorf("%s: value not in enum", path)
	}

	switch d.Kind {
	case KindAny:
		return nil
	case KindUnion:
		var errs []string
		for _, variant := range d.Variants {
			err := variant.validate(v, path)
			if err == nil {
				return nil
			}
			errs = append(errs, err.Error())
		}
		return fmt.Errorf("%s: no variant matched (%s)", path, strings.Join(errs, "; "))
	case KindString:
		if _, ok := v.(string); !ok {
			return typeErr(path, d.Kind, v)
		}
	case KindNumber:
		if _, ok := v.(float64); !ok {
			return typeErr(path, d.Kind, v)
		}
	case KindInteger:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return typeErr(path, d.Kind, v)
		}
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return typeErr(path, d.Kind, v)
		}
	case KindNull:
		if v != nil {
			return typeErr(path, d.Kind, v)
		}
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return typeErr(path, d.Kind, v)
		}
		for _, name := range d.Required {
			if _, present := obj[name]; !present {
				return fmt.Errorf("%s: missing required property %q", path, name)
			}
		}
		names := make([]string, 0, len(d.Properties))
		for name := range d.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, present := obj[name]
			if !present {
				continue
			}
			if err := d.Properties[name].validate(val, path+"."+name); err != nil {
				return err
			}
		}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return typeErr(path, d.Kind, v)
		}
		for i, item := range arr {
			if err := d.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", path, d.Kind)
	}
	return nil
}

func typeErr(path string, want Kind, v any) error {
	return fmt.Errorf("%s: expected %s, got %s", path, want, kindOf(v))
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) && kindOf(e) == kindOf(v) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether v carries no data: null, an empty array or an
// empty object.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
