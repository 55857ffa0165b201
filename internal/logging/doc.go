// Package logging assembles the structured slog loggers used across mxgate.
//
// It owns the configurable console/JSON handlers, centralizes level and
// output plumbing, and exposes context-aware helpers so control-plane and
// gateway code can automatically tag log lines with request identifiers and
// operation kinds. The package also provides a no-op logger for tests and
// wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits data with the same shape.
package logging
