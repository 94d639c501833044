// Package core holds the shared vocabulary of the bridge: engine
// availability and configuration enums, transcript entries and their
// versioned JSON envelope, and the tool call record both travel with.
//
// Everything here is plain data. Behavior lives in the packages that consume
// these types: engine adapters, sessions and the bridge itself.
package core
