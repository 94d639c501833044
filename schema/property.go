package schema

import (
	"github.com/hupe1980/modelbridge/status"
)

// Property describes one named slot of a generated object: its type, whether
// the engine may omit it, and the guides constraining its values. Guides can
// be passed at construction or attached afterwards; they are only checked
// against the property type when the owning builder runs Build.
type Property struct {
	Name        string
	Description string
	Type        FieldType
	Optional    bool
	Guides      []Guide
}

// NewProperty parses the type tag and creates a property.
//
// Example:
//
//	age, err := schema.NewProperty("age", "The age of the hedgehog", "integer", false,
//		schema.Range(0, 8))
func NewProperty(name, description, typeTag string, optional bool, guides ...Guide) (*Property, error) {
	if name == "" {
		return nil, status.Errorf(status.InvalidArgument, "property name must not be empty")
	}
	t, err := ParseType(typeTag)
	if err != nil {
		return nil, err
	}
	gs := make([]Guide, len(guides))
	copy(gs, guides)
	return &Property{
		Name:        name,
		Description: description,
		Type:        t,
		Optional:    optional,
		Guides:      gs,
	}, nil
}

// AddGuide attaches a further guide. Compatibility with the property type is
// deferred to Build.
func (p *Property) AddGuide(g Guide) {
	p.Guides = append(p.Guides, g)
}
