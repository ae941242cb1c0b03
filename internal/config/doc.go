// Package config loads, validates, and defaults the TOML configuration for
// the transmute daemon and CLI.
package config
