// Package content wraps the structured JSON values an engine generates under
// a schema. A Generated value is immutable; its JSON round-trips exactly, and
// named sub-values are reachable without re-decoding the document.
package content

import (
	"github.com/tidwall/gjson"

	"github.com/hupe1980/modelbridge/status"
)

// Generated is one structured value produced by the engine. Complete values
// come from finished responses; stream snapshots carry the document as far
// as generation got and are flagged incomplete.
type Generated struct {
	raw      string
	complete bool
}

// Parse wraps a complete JSON document.
func Parse(jsonText string) (*Generated, error) {
	return parse(jsonText, true)
}

// ParsePartial wraps a stream snapshot. Snapshots are well-formed JSON
// documents that simply may not carry every property yet.
func ParsePartial(jsonText string) (*Generated, error) {
	return parse(jsonText, false)
}

func parse(jsonText string, complete bool) (*Generated, error) {
	if !gjson.Valid(jsonText) {
		return nil, status.Errorf(status.DecodingFailure, "malformed generated content JSON")
	}
	return &Generated{raw: jsonText, complete: complete}, nil
}

// JSON returns the exact JSON text this value was created from.
func (g *Generated) JSON() string { return g.raw }

// Len returns the byte length of the JSON text, the length reported
// alongside content in bridge callbacks.
func (g *Generated) Len() int { return len(g.raw) }

// IsComplete reports whether generation had finished when this value was
// produced.
func (g *Generated) IsComplete() bool { return g.complete }

// Exists reports whether a value is present at the gjson-style path.
func (g *Generated) Exists(path string) bool {
	return gjson.Get(g.raw, path).Exists()
}

// Property returns the named sub-value as its own Generated value, keeping
// the completeness flag of the parent.
func (g *Generated) Property(name string) (*Generated, error) {
	r := gjson.Get(g.raw, name)
	if !r.Exists() {
		return nil, status.Errorf(status.DecodingFailure, "no value for property %q", name)
	}
	return &Generated{raw: r.Raw, complete: g.complete}, nil
}

// StringValue returns the named property as a string.
func (g *Generated) StringValue(name string) (string, error) {
	r, err := g.typedValue(name, gjson.String)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// IntValue returns the named property as an integer.
func (g *Generated) IntValue(name string) (int64, error) {
	r, err := g.typedValue(name, gjson.Number)
	if err != nil {
		return 0, err
	}
	return r.Int(), nil
}

// FloatValue returns the named property as a float.
func (g *Generated) FloatValue(name string) (float64, error) {
	r, err := g.typedValue(name, gjson.Number)
	if err != nil {
		return 0, err
	}
	return r.Float(), nil
}

// BoolValue returns the named property as a bool.
func (g *Generated) BoolValue(name string) (bool, error) {
	r := gjson.Get(g.raw, name)
	if !r.Exists() {
		return false, status.Errorf(status.DecodingFailure, "no value for property %q", name)
	}
	if !r.IsBool() {
		return false, status.Errorf(status.DecodingFailure, "property %q is %s, not boolean", name, r.Type)
	}
	return r.Bool(), nil
}

// Array returns the elements of the named array property.
func (g *Generated) Array(name string) ([]*Generated, error) {
	r := gjson.Get(g.raw, name)
	if !r.Exists() {
		return nil, status.Errorf(status.DecodingFailure, "no value for property %q", name)
	}
	if !r.IsArray() {
		return nil, status.Errorf(status.DecodingFailure, "property %q is %s, not array", name, r.Type)
	}
	var elems []*Generated
	r.ForEach(func(_, value gjson.Result) bool {
		elems = append(elems, &Generated{raw: value.Raw, complete: g.complete})
		return true
	})
	return elems, nil
}

func (g *Generated) typedValue(name string, want gjson.Type) (gjson.Result, error) {
	r := gjson.Get(g.raw, name)
	if !r.Exists() {
		return gjson.Result{}, status.Errorf(status.DecodingFailure, "no value for property %q", name)
	}
	if r.Type != want {
		return gjson.Result{}, status.Errorf(status.DecodingFailure, "property %q is %s, not %s", name, r.Type, want)
	}
	return r, nil
}
