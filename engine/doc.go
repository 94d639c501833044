// Package engine defines the provider‑agnostic abstractions and concrete
// helpers for interacting with black‑box text generation engines inside
// ModelBridge.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize guided generation (schema JSON) and tool exposure
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (Mock)
//
// Providers (e.g. OpenAI, Anthropic) implement the Engine interface from this
// package so higher layers (sessions, bridge) remain decoupled from vendor
// SDKs.
package engine
