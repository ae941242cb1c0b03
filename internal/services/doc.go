// Package services defines the shared error taxonomy used across the
// conversion pipeline and storage lifecycle components.
package services
