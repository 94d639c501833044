// Package logging provides a minimal logging interface and adapters for ModelBridge.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the bridge, sessions and engines use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mb := modelbridge.New(func(o *modelbridge.Options) { o.Logger = logging.NewSlogAdapter(slog.Default()) })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
