// Package codec defines the external conversion engine capability, the
// per-category CLI engine clients, and the registry that maps (source
// category, target format) pairs to strategies.
package codec
