// Package artifacts tracks every file held in the managed namespace
// directories: path, digest, size, expiry, and non-secret encryption
// parameters. Removal deletes the file before dropping the record.
package artifacts
