package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hupe1980/modelbridge/status"
)

// The interchange format is a JSON Schema subset: object schemas with
// "properties", "required" and "additionalProperties": false, guide
// constraints as "enum", "pattern", "minimum"/"maximum" and
// "minItems"/"maxItems", references as "$ref" into "$defs" and "$ref": "#"
// for the root itself. Property insertion order travels in the "x-order"
// extension because JSON objects carry none.

const defsPrefix = "#/$defs/"

// Map renders the schema as a decoded JSON document, ready to hand to SDK
// parameters that accept map-shaped schemas.
func (s *Schema) Map() (map[string]any, error) {
	root := definitionPayload(s.root, s.root)
	if len(s.defs) > 0 {
		defs := make(map[string]any, len(s.defs))
		for _, d := range s.defs {
			defs[d.name] = definitionPayload(d, s.root)
		}
		root["$defs"] = defs
	}
	return root, nil
}

// JSON renders the schema as its interchange JSON text.
func (s *Schema) JSON() (string, error) {
	m, err := s.Map()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", status.Wrap(status.InvalidSchema, "marshal schema", err)
	}
	return string(data), nil
}

func definitionPayload(d, root *definition) map[string]any {
	payload := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	}
	if d.name != "" {
		payload["title"] = d.name
	}
	if d.description != "" {
		payload["description"] = d.description
	}

	props := make(map[string]any, len(d.props))
	order := make([]string, 0, len(d.props))
	var required []string
	for _, p := range d.props {
		props[p.name] = propertyPayload(p, root)
		order = append(order, p.name)
		if !p.optional {
			required = append(required, p.name)
		}
	}
	payload["properties"] = props
	if len(order) > 0 {
		payload["x-order"] = order
	}
	if len(required) > 0 {
		payload["required"] = required
	}
	return payload
}

func propertyPayload(p resolvedProperty, root *definition) map[string]any {
	m := typePayload(p.typ, root)
	if p.description != "" {
		m["description"] = p.description
	}
	constraintsInto(m, p.cons)
	return m
}

func typePayload(t resolvedType, root *definition) map[string]any {
	switch t.kind {
	case TypeReference:
		if t.def == root {
			return map[string]any{"$ref": "#"}
		}
		return map[string]any{"$ref": defsPrefix + t.def.name}
	case TypeArray:
		return map[string]any{"type": "array", "items": typePayload(*t.elem, root)}
	default:
		return map[string]any{"type": string(t.kind)}
	}
}

func constraintsInto(m map[string]any, c *constraints) {
	if c == nil {
		return
	}
	if c.enum != nil {
		m["enum"] = c.enum
	}
	if c.pattern != nil {
		m["pattern"] = *c.pattern
	}
	if c.minimum != nil {
		m["minimum"] = *c.minimum
	}
	if c.maximum != nil {
		m["maximum"] = *c.maximum
	}
	if c.minItems != nil {
		m["minItems"] = *c.minItems
	}
	if c.maxItems != nil {
		m["maxItems"] = *c.maxItems
	}
	if c.element != nil {
		if items, ok := m["items"].(map[string]any); ok {
			constraintsInto(items, c.element)
		}
	}
}

// FromJSON decodes interchange JSON back into a Schema. The decoded schema
// passes through the same guide compatibility checks as Build, so a document
// carrying, say, a pattern on an integer fails with UnsupportedGuide rather
// than slipping through.
func FromJSON(data string) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, status.Wrap(status.InvalidSchema, "malformed schema JSON", err)
	}

	dec := &jsonDecoder{
		rawDefs: map[string]map[string]any{},
		defs:    map[string]*definition{},
	}
	if rawDefs, ok := doc["$defs"]; ok {
		defsMap, ok := rawDefs.(map[string]any)
		if !ok {
			return nil, status.Errorf(status.InvalidSchema, "$defs must be an object")
		}
		for name, payload := range defsMap {
			pm, ok := payload.(map[string]any)
			if !ok {
				return nil, status.Errorf(status.InvalidSchema, "$defs entry %q must be an object", name)
			}
			dec.rawDefs[name] = pm
		}
	}

	dec.root = &definition{}
	if err := dec.decodeInto(dec.root, doc); err != nil {
		return nil, err
	}
	return &Schema{root: dec.root, defs: dec.order}, nil
}

type jsonDecoder struct {
	root    *definition
	rawDefs map[string]map[string]any
	defs    map[string]*definition
	order   []*definition
}

func (d *jsonDecoder) decodeInto(def *definition, payload map[string]any) error {
	if typ, _ := payload["type"].(string); typ != "object" {
		return status.Errorf(status.InvalidSchema, "schema must have type \"object\", got %q", typ)
	}
	def.name, _ = payload["title"].(string)
	def.description, _ = payload["description"].(string)

	propsRaw, ok := payload["properties"].(map[string]any)
	if !ok {
		propsRaw = map[string]any{}
	}
	names, err := propertyOrder(payload, propsRaw)
	if err != nil {
		return err
	}
	required := requiredSet(payload)

	for _, name := range names {
		pm, ok := propsRaw[name].(map[string]any)
		if !ok {
			return status.Errorf(status.InvalidSchema, "property %q must be an object", name)
		}
		rp, err := d.decodeProperty(name, pm, !required[name])
		if err != nil {
			return err
		}
		def.props = append(def.props, rp)
	}
	return nil
}

// propertyOrder recovers property order from x-order, appending any
// properties the list omits in sorted order so nothing is lost.
func propertyOrder(payload map[string]any, props map[string]any) ([]string, error) {
	var names []string
	listed := map[string]bool{}
	if rawOrder, ok := payload["x-order"].([]any); ok {
		for _, v := range rawOrder {
			name, ok := v.(string)
			if !ok {
				return nil, status.Errorf(status.InvalidSchema, "x-order entries must be strings")
			}
			if _, exists := props[name]; !exists {
				return nil, status.Errorf(status.InvalidSchema, "x-order names unknown property %q", name)
			}
			if !listed[name] {
				names = append(names, name)
				listed[name] = true
			}
		}
	}
	var rest []string
	for name := range props {
		if !listed[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...), nil
}

func requiredSet(payload map[string]any) map[string]bool {
	set := map[string]bool{}
	if raw, ok := payload["required"].([]any); ok {
		for _, v := range raw {
			if name, ok := v.(string); ok {
				set[name] = true
			}
		}
	}
	return set
}

func (d *jsonDecoder) decodeProperty(name string, payload map[string]any, optional bool) (resolvedProperty, error) {
	fieldType, rt, err := d.decodeType(payload)
	if err != nil {
		return resolvedProperty{}, fmt.Errorf("property %q: %w", name, err)
	}
	guides, err := decodeGuides(payload, fieldType)
	if err != nil {
		return resolvedProperty{}, fmt.Errorf("property %q: %w", name, err)
	}
	cons, err := applyGuides(fieldType, guides)
	if err != nil {
		return resolvedProperty{}, fmt.Errorf("property %q: %w", name, err)
	}
	description, _ := payload["description"].(string)
	return resolvedProperty{
		name:        name,
		description: description,
		typ:         rt,
		optional:    optional,
		cons:        cons,
	}, nil
}

// decodeType resolves a property payload into both the textual FieldType
// (for the guide matrix) and the resolved type graph.
func (d *jsonDecoder) decodeType(payload map[string]any) (FieldType, resolvedType, error) {
	if ref, ok := payload["$ref"].(string); ok {
		def, err := d.resolveRef(ref)
		if err != nil {
			return FieldType{}, resolvedType{}, err
		}
		return FieldType{Kind: TypeReference, Ref: def.name},
			resolvedType{kind: TypeReference, def: def}, nil
	}
	typ, _ := payload["type"].(string)
	switch typ {
	case "string", "integer", "number", "boolean":
		kind := TypeKind(typ)
		return FieldType{Kind: kind}, resolvedType{kind: kind}, nil
	case "array":
		items, ok := payload["items"].(map[string]any)
		if !ok {
			return FieldType{}, resolvedType{}, status.Errorf(status.InvalidSchema, "array property is missing items")
		}
		elemField, elemResolved, err := d.decodeType(items)
		if err != nil {
			return FieldType{}, resolvedType{}, err
		}
		return FieldType{Kind: TypeArray, Elem: &elemField},
			resolvedType{kind: TypeArray, elem: &elemResolved}, nil
	default:
		return FieldType{}, resolvedType{}, status.Errorf(status.InvalidSchema, "unknown property type %q", typ)
	}
}

func (d *jsonDecoder) resolveRef(ref string) (*definition, error) {
	if ref == "#" {
		return d.root, nil
	}
	name, ok := strings.CutPrefix(ref, defsPrefix)
	if !ok {
		return nil, status.Errorf(status.InvalidSchema, "unsupported $ref %q", ref)
	}
	if def, ok := d.defs[name]; ok {
		return def, nil
	}
	raw, ok := d.rawDefs[name]
	if !ok {
		return nil, status.Errorf(status.InvalidSchema, "$ref to unknown definition %q", name)
	}
	def := &definition{}
	d.defs[name] = def
	d.order = append(d.order, def)
	if err := d.decodeInto(def, raw); err != nil {
		return nil, err
	}
	if def.name == "" {
		def.name = name
	}
	return def, nil
}

// decodeGuides reconstructs guides from constraint keys so the decoded
// document passes through the same compatibility matrix as built schemas.
func decodeGuides(payload map[string]any, t FieldType) ([]Guide, error) {
	var guides []Guide
	if rawEnum, ok := payload["enum"]; ok {
		list, ok := rawEnum.([]any)
		if !ok {
			return nil, status.Errorf(status.InvalidSchema, "enum must be an array")
		}
		values := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, status.Errorf(status.InvalidSchema, "enum values must be strings")
			}
			values = append(values, s)
		}
		guides = append(guides, AnyOf(values...))
	}
	if p, ok := payload["pattern"].(string); ok {
		guides = append(guides, Pattern(p))
	}
	if v, ok := numberValue(payload["minimum"]); ok {
		guides = append(guides, Minimum(v))
	}
	if v, ok := numberValue(payload["maximum"]); ok {
		guides = append(guides, Maximum(v))
	}
	if n, ok, err := intValue(payload, "minItems"); err != nil {
		return nil, err
	} else if ok {
		guides = append(guides, MinItems(n))
	}
	if n, ok, err := intValue(payload, "maxItems"); err != nil {
		return nil, err
	} else if ok {
		guides = append(guides, MaxItems(n))
	}

	if t.Kind == TypeArray {
		items, _ := payload["items"].(map[string]any)
		if items != nil && t.Elem != nil {
			elemGuides, err := decodeGuides(items, *t.Elem)
			if err != nil {
				return nil, err
			}
			for _, g := range elemGuides {
				guides = append(guides, Element(g))
			}
		}
	}
	return guides, nil
}

func numberValue(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func intValue(payload map[string]any, key string) (int, bool, error) {
	v, ok := payload[key]
	if !ok {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false, status.Errorf(status.InvalidSchema, "%s must be an integer", key)
	}
	return int(f), true, nil
}
