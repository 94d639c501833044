package schema

import (
	"fmt"

	"github.com/hupe1980/modelbridge/status"
)

// Builder assembles a generation schema incrementally: an ordered list of
// properties plus the other builders this one may reference by name. Adding
// is always cheap and never fails; every structural check runs in Build.
//
// AddProperty intentionally accepts duplicate names so a boundary layer can
// forward add calls verbatim; Build rejects the duplicate with an
// InvalidSchema status.
//
// A builder may reference itself by its own name, and two builders may
// reference each other. Build memoizes per builder identity, so cyclic
// shapes terminate.
//
// Example:
//
//	b := schema.NewBuilder("Hedgehog", "A hedgehog character")
//	age, _ := schema.NewProperty("age", "Age in years", "integer", false, schema.Range(0, 8))
//	home, _ := schema.NewProperty("home", "", "string", false, schema.Constant("a hedge"))
//	b.AddProperty(age)
//	b.AddProperty(home)
//
//	s, err := b.Build()
type Builder struct {
	name        string
	description string
	properties  []*Property
	references  []*Builder
}

// NewBuilder creates a builder for a schema with the given name and optional
// description.
func NewBuilder(name, description string) *Builder {
	return &Builder{name: name, description: description}
}

// Name returns the schema name.
func (b *Builder) Name() string { return b.name }

// AddProperty appends a property, keeping insertion order.
func (b *Builder) AddProperty(p *Property) {
	b.properties = append(b.properties, p)
}

// AddReference makes ref resolvable from this builder's properties by its
// schema name.
func (b *Builder) AddReference(ref *Builder) {
	b.references = append(b.references, ref)
}

// Build projects the builder into an immutable Schema. It is a pure
// projection: it never mutates the builder and may be called again after
// further mutation.
func (b *Builder) Build() (*Schema, error) {
	ctx := &buildContext{built: make(map[*Builder]*definition)}
	root, err := ctx.build(b)
	if err != nil {
		return nil, err
	}
	defs := make([]*definition, 0, len(ctx.order))
	names := map[string]bool{root.name: true}
	for _, d := range ctx.order {
		if d == root {
			continue
		}
		if names[d.name] {
			return nil, status.Errorf(status.InvalidSchema, "duplicate schema name %q among references", d.name)
		}
		names[d.name] = true
		defs = append(defs, d)
	}
	return &Schema{root: root, defs: defs}, nil
}

// JSON is shorthand for Build followed by Schema.JSON.
func (b *Builder) JSON() (string, error) {
	s, err := b.Build()
	if err != nil {
		return "", err
	}
	return s.JSON()
}

// buildContext carries the per-Build memoization table. Registering a
// definition before resolving its properties is what lets self-referential
// and mutually referential builders terminate.
type buildContext struct {
	built map[*Builder]*definition
	order []*definition
}

func (ctx *buildContext) build(b *Builder) (*definition, error) {
	if b == nil {
		return nil, status.Errorf(status.InvalidSchema, "nil schema reference")
	}
	if def, ok := ctx.built[b]; ok {
		return def, nil
	}
	def := &definition{name: b.name, description: b.description}
	ctx.built[b] = def
	ctx.order = append(ctx.order, def)

	seen := make(map[string]bool, len(b.properties))
	for _, p := range b.properties {
		if p == nil {
			return nil, status.Errorf(status.InvalidSchema, "schema %q contains a nil property", b.name)
		}
		if seen[p.Name] {
			return nil, status.Errorf(status.InvalidSchema, "duplicate property name %q in schema %q", p.Name, b.name)
		}
		seen[p.Name] = true

		rp, err := ctx.resolveProperty(b, p)
		if err != nil {
			return nil, err
		}
		def.props = append(def.props, rp)
	}
	return def, nil
}

func (ctx *buildContext) resolveProperty(owner *Builder, p *Property) (resolvedProperty, error) {
	cons, err := applyGuides(p.Type, p.Guides)
	if err != nil {
		return resolvedProperty{}, fmt.Errorf("property %q: %w", p.Name, err)
	}
	rt, err := ctx.resolveType(owner, p.Type)
	if err != nil {
		return resolvedProperty{}, fmt.Errorf("property %q: %w", p.Name, err)
	}
	return resolvedProperty{
		name:        p.Name,
		description: p.Description,
		typ:         rt,
		optional:    p.Optional,
		cons:        cons,
	}, nil
}

func (ctx *buildContext) resolveType(owner *Builder, t FieldType) (resolvedType, error) {
	switch t.Kind {
	case TypeArray:
		elem, err := ctx.resolveType(owner, *t.Elem)
		if err != nil {
			return resolvedType{}, err
		}
		return resolvedType{kind: TypeArray, elem: &elem}, nil
	case TypeReference:
		target := lookupReference(owner, t.Ref)
		if target == nil {
			return resolvedType{}, status.Errorf(status.InvalidSchema, "schema %q references unknown schema %q", owner.name, t.Ref)
		}
		def, err := ctx.build(target)
		if err != nil {
			return resolvedType{}, err
		}
		return resolvedType{kind: TypeReference, def: def}, nil
	default:
		return resolvedType{kind: t.Kind}, nil
	}
}

// lookupReference resolves a schema name from a builder's scope: the builder
// itself (self-reference) or one of its registered references.
func lookupReference(owner *Builder, name string) *Builder {
	if owner.name == name {
		return owner
	}
	for _, ref := range owner.references {
		if ref != nil && ref.name == name {
			return ref
		}
	}
	return nil
}

// definition is the resolved, immutable form of one object schema.
type definition struct {
	name        string
	description string
	props       []resolvedProperty
}

type resolvedProperty struct {
	name        string
	description string
	typ         resolvedType
	optional    bool
	cons        *constraints
}

// resolvedType mirrors FieldType with references resolved to definitions.
// Cycles are represented directly through the def pointers.
type resolvedType struct {
	kind TypeKind
	elem *resolvedType
	def  *definition
}

// Schema is a finalized generation schema. It is immutable and safe to share
// across goroutines.
type Schema struct {
	root *definition
	defs []*definition
}

// Name returns the root schema name.
func (s *Schema) Name() string { return s.root.name }

// Description returns the root schema description.
func (s *Schema) Description() string { return s.root.description }
