// Package ingest is the intake boundary for the managed namespaces:
// plain uploads land in uploads/ under opaque names, sealed uploads in
// secure/, and registered uploads become conversion jobs.
package ingest
