package artifacts

import (
	"path/filepath"
	"time"
)

// Artifact is a file produced or held by the system, tracked with digest
// and expiry. Encryption metadata never includes key material; keys are
// caller-managed secrets.
type Artifact struct {
	ID           string
	Path         string
	Digest       string
	SizeBytes    int64
	MimeCategory string
	SessionID    string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	// KeyRef is an opaque caller-side label for the encryption key, if any.
	KeyRef string
	// NonceHex and AuthTagHex are the non-secret AEAD parameters for
	// encrypted artifacts.
	NonceHex   string
	AuthTagHex string
}

// Directory returns the managed namespace directory containing the artifact.
func (a *Artifact) Directory() string {
	return filepath.Dir(a.Path)
}

// Encrypted reports whether the artifact is stored encrypted at rest.
func (a *Artifact) Encrypted() bool {
	return a.NonceHex != ""
}

// ExpiredAt reports whether the artifact has passed its expiry as of now.
func (a *Artifact) ExpiredAt(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}
