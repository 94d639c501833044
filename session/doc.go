// Package session implements stateful conversations on top of the engine
// contract. A Session owns the transcript, carries instructions and tools
// into every request, and enforces the one-generation-at-a-time rule
// (a concurrent second request fails with status.ConcurrentRequests).
//
// Sessions are engine agnostic: anything implementing engine.Engine works,
// from the in‑memory mock to the OpenAI and Anthropic adapters. Transcripts
// round-trip through a versioned JSON envelope (core.Transcript), so a
// session can be serialized and restored later; only the wiring layer needs
// to decide which engine the restored session talks to.
package session
