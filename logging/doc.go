// Package logging provides a minimal logging interface and adapters for agentbridge.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that adapters use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging (json, text or colored console output)
//   - NoOpLogger for silent operation
//   - Recorder for capturing diagnostics in tests
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "console"})
//	bridge, err := agentbridge.New(func(o *agentbridge.Options) { o.Logger = logger })
package logging
