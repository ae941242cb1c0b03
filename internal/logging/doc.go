// Package logging builds the slog loggers used throughout transmute and
// provides shared attribute helpers and log retention pruning.
package logging
