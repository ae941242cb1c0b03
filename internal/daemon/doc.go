// Package daemon composes the conversion scheduler, the storage sweeper,
// the intake service, and notifications into a single long-running process.
//
// A file lock under the log directory guarantees that only one daemon
// manages a given artifact tree at a time.
package daemon
