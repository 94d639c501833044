package schema

import (
	"fmt"

	"github.com/hupe1980/modelbridge/status"
)

// GuideKind names a generation guide for diagnostics and interchange.
type GuideKind string

const (
	GuideAnyOf    GuideKind = "anyOf"
	GuideConstant GuideKind = "constant"
	GuideRange    GuideKind = "range"
	GuideMinimum  GuideKind = "minimum"
	GuideMaximum  GuideKind = "maximum"
	GuideCount    GuideKind = "count"
	GuideMinItems GuideKind = "minItems"
	GuideMaxItems GuideKind = "maxItems"
	GuidePattern  GuideKind = "pattern"
	GuideElement  GuideKind = "element"
)

// Guide constrains the values the engine may generate for a property. Guides
// are pure values; attaching one never mutates the schema until Build runs.
// Several guides on one property combine, later guides overwriting the
// constraint keys they share with earlier ones. Contradictory bounds are not
// rejected here: the engine sees them as written.
type Guide struct {
	kind    GuideKind
	values  []string
	number  float64
	min     float64
	max     float64
	count   int
	pattern string
	element *Guide
}

// AnyOf restricts a string property to one of the given values.
func AnyOf(values ...string) Guide {
	vs := make([]string, len(values))
	copy(vs, values)
	return Guide{kind: GuideAnyOf, values: vs}
}

// Constant pins a string property to exactly one value.
func Constant(value string) Guide {
	return Guide{kind: GuideConstant, values: []string{value}}
}

// Range bounds a numeric property inclusively on both sides.
func Range(min, max float64) Guide {
	return Guide{kind: GuideRange, min: min, max: max}
}

// Minimum bounds a numeric property from below.
func Minimum(v float64) Guide {
	return Guide{kind: GuideMinimum, number: v}
}

// Maximum bounds a numeric property from above.
func Maximum(v float64) Guide {
	return Guide{kind: GuideMaximum, number: v}
}

// Count fixes the exact element count of an array property.
func Count(n int) Guide {
	return Guide{kind: GuideCount, count: n}
}

// MinItems bounds the element count of an array property from below.
func MinItems(n int) Guide {
	return Guide{kind: GuideMinItems, count: n}
}

// MaxItems bounds the element count of an array property from above.
func MaxItems(n int) Guide {
	return Guide{kind: GuideMaxItems, count: n}
}

// Pattern constrains a string property to match a regular expression.
func Pattern(p string) Guide {
	return Guide{kind: GuidePattern, pattern: p}
}

// Element applies g to each element of an array property.
func Element(g Guide) Guide {
	inner := g
	return Guide{kind: GuideElement, element: &inner}
}

// Kind returns the guide's kind.
func (g Guide) Kind() GuideKind { return g.kind }

// String renders the guide for diagnostics, e.g. "element(anyOf)".
func (g Guide) String() string {
	if g.kind == GuideElement && g.element != nil {
		return fmt.Sprintf("element(%s)", g.element.String())
	}
	return string(g.kind)
}

// constraints is the merged effect of a property's guides, keyed the way the
// interchange JSON is keyed.
type constraints struct {
	enum     []string
	pattern  *string
	minimum  *float64
	maximum  *float64
	minItems *int
	maxItems *int
	element  *constraints
}

func (c *constraints) empty() bool {
	return c.enum == nil && c.pattern == nil && c.minimum == nil && c.maximum == nil &&
		c.minItems == nil && c.maxItems == nil && c.element == nil
}

// applyGuides folds guides left to right into a constraint set, enforcing the
// type compatibility matrix:
//
//   - anyOf, constant and pattern attach to string properties only.
//   - range, minimum and maximum attach to integer or number properties only.
//   - count, minItems and maxItems attach to arrays only.
//   - element wraps a scalar guide for application to array elements; arrays
//     of references accept only the count family, never element.
//
// A guide that does not fit its property type fails with an UnsupportedGuide
// status naming both; nothing is ever dropped silently.
func applyGuides(t FieldType, guides []Guide) (*constraints, error) {
	cons := &constraints{}
	for _, g := range guides {
		if err := cons.apply(t, g); err != nil {
			return nil, err
		}
	}
	return cons, nil
}

func (c *constraints) apply(t FieldType, g Guide) error {
	switch g.kind {
	case GuideAnyOf, GuideConstant:
		if t.Kind != TypeString {
			return unsupportedGuide(g, t)
		}
		c.enum = g.values
	case GuidePattern:
		if t.Kind != TypeString {
			return unsupportedGuide(g, t)
		}
		p := g.pattern
		c.pattern = &p
	case GuideRange:
		if !t.IsNumeric() {
			return unsupportedGuide(g, t)
		}
		min, max := g.min, g.max
		c.minimum = &min
		c.maximum = &max
	case GuideMinimum:
		if !t.IsNumeric() {
			return unsupportedGuide(g, t)
		}
		v := g.number
		c.minimum = &v
	case GuideMaximum:
		if !t.IsNumeric() {
			return unsupportedGuide(g, t)
		}
		v := g.number
		c.maximum = &v
	case GuideCount:
		if t.Kind != TypeArray {
			return unsupportedGuide(g, t)
		}
		n := g.count
		c.minItems = &n
		c.maxItems = &n
	case GuideMinItems:
		if t.Kind != TypeArray {
			return unsupportedGuide(g, t)
		}
		n := g.count
		c.minItems = &n
	case GuideMaxItems:
		if t.Kind != TypeArray {
			return unsupportedGuide(g, t)
		}
		n := g.count
		c.maxItems = &n
	case GuideElement:
		if t.Kind != TypeArray || t.Elem == nil || g.element == nil {
			return unsupportedGuide(g, t)
		}
		if t.Elem.Kind == TypeReference {
			return unsupportedGuide(g, t)
		}
		if c.element == nil {
			c.element = &constraints{}
		}
		return c.element.apply(*t.Elem, *g.element)
	default:
		return status.Errorf(status.UnsupportedGuide, "unknown guide %q", g.kind)
	}
	return nil
}

func unsupportedGuide(g Guide, t FieldType) error {
	return status.Errorf(status.UnsupportedGuide, "guide %q not supported on type %q", g.String(), t.String())
}
