package schema

import (
	"fmt"
	"strings"

	"github.com/hupe1980/modelbridge/status"
)

// TypeKind enumerates the property types the bridge understands.
type TypeKind string

const (
	TypeString    TypeKind = "string"
	TypeNumber    TypeKind = "number"
	TypeInteger   TypeKind = "integer"
	TypeBoolean   TypeKind = "boolean"
	TypeArray     TypeKind = "array"
	TypeReference TypeKind = "reference"
)

// FieldType is the parsed form of a property type tag.
type FieldType struct {
	Kind TypeKind
	Elem *FieldType // set for arrays
	Ref  string     // set for references
}

// ParseType parses a textual type tag. Accepted forms are the four scalars,
// "array<T>" with a recursively parsed element, and "reference<Name>". Inside
// an array a bare name is shorthand for a reference, so "array<Person>" and
// "array<reference<Person>>" are the same type.
func ParseType(tag string) (FieldType, error) {
	return parseType(tag, false)
}

func parseType(tag string, insideArray bool) (FieldType, error) {
	s := strings.TrimSpace(tag)
	switch s {
	case "string":
		return FieldType{Kind: TypeString}, nil
	case "number":
		return FieldType{Kind: TypeNumber}, nil
	case "integer":
		return FieldType{Kind: TypeInteger}, nil
	case "boolean":
		return FieldType{Kind: TypeBoolean}, nil
	}
	if inner, ok := angleArg(s, "array"); ok {
		elem, err := parseType(inner, true)
		if err != nil {
			return FieldType{}, err
		}
		return FieldType{Kind: TypeArray, Elem: &elem}, nil
	}
	if name, ok := angleArg(s, "reference"); ok {
		return referenceType(strings.TrimSpace(name))
	}
	if insideArray && isSchemaName(s) {
		return referenceType(s)
	}
	return FieldType{}, status.Errorf(status.InvalidSchema, "unknown type tag %q", tag)
}

func referenceType(name string) (FieldType, error) {
	if !isSchemaName(name) {
		return FieldType{}, status.Errorf(status.InvalidSchema, "invalid schema reference name %q", name)
	}
	return FieldType{Kind: TypeReference, Ref: name}, nil
}

// angleArg extracts X from "prefix<X>".
func angleArg(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix+"<") && strings.HasSuffix(s, ">") {
		return s[len(prefix)+1 : len(s)-1], true
	}
	return "", false
}

func isSchemaName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// String renders the type tag back out, usable in diagnostics.
func (t FieldType) String() string {
	switch t.Kind {
	case TypeArray:
		if t.Elem == nil {
			return "array<?>"
		}
		return fmt.Sprintf("array<%s>", t.Elem.String())
	case TypeReference:
		return fmt.Sprintf("reference<%s>", t.Ref)
	default:
		return string(t.Kind)
	}
}

// IsNumeric reports whether the type accepts numeric bound guides.
func (t FieldType) IsNumeric() bool {
	return t.Kind == TypeInteger || t.Kind == TypeNumber
}
