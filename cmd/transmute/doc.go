// Package main hosts the transmute CLI entrypoint and command graph.
//
// The Cobra-based command tree covers daemon lifecycle, artifact intake,
// conversion submission, archive bundling, sealed artifact handling, and the
// storage sweep. One-shot commands construct an unstarted daemon over the
// shared inventory; only the daemon command takes the single-instance lock.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
