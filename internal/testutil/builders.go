package testutil

import (
	"fmt"

	"github.com/hupe1980/modelbridge/schema"
)

// HedgehogSchema builds the hedgehog character schema used across tests:
// a required name, an age bounded to 0..8 and a home restricted to two
// known values.
func HedgehogSchema() *schema.Schema {
	b := schema.NewBuilder("Hedgehog", "A hedgehog character")

	b.AddProperty(mustProperty("name", "The hedgehog's name", "string", false))
	b.AddProperty(mustProperty("age", "Age in years", "integer", false, schema.Range(0, 8)))
	b.AddProperty(mustProperty("home", "Where it lives", "string", false, schema.AnyOf("a hedge", "a burrow")))

	return mustBuild(b)
}

// PersonSchema builds a small person schema with a guided array property.
func PersonSchema() *schema.Schema {
	b := schema.NewBuilder("Person", "A person profile")

	b.AddProperty(mustProperty("name", "Full name", "string", false))
	b.AddProperty(mustProperty("age", "Age in years", "integer", false, schema.Minimum(0)))
	b.AddProperty(mustProperty("hobbies", "Things they enjoy", "array<string>", false, schema.MinItems(1)))

	return mustBuild(b)
}

func mustProperty(name, description, typeTag string, optional bool, guides ...schema.Guide) *schema.Property {
	p, err := schema.NewProperty(name, description, typeTag, optional, guides...)
	if err != nil {
		panic(fmt.Sprintf("testutil: property %s: %v", name, err))
	}
	return p
}

func mustBuild(b *schema.Builder) *schema.Schema {
	sc, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("testutil: build schema: %v", err))
	}
	return sc
}
