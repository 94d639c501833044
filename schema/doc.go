// Package schema implements the guided-generation schema builder: ordered
// properties, generation guides with strict type compatibility, references
// between schemas including self-reference, and a JSON Schema interchange
// format that round-trips.
//
// A Builder is mutable and cheap; Build projects it into an immutable Schema
// and may be called repeatedly. All schema and guide failures are reported as
// typed status errors at Build or decode time, never silently dropped.
package schema
