package testsupport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"transmute/internal/artifacts"
	"transmute/internal/config"
	"transmute/internal/hashing"
)

// MustOpenStore opens an artifact store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *artifacts.Store {
	t.Helper()

	store, err := artifacts.Open(cfg)
	if err != nil {
		t.Fatalf("artifacts.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// RegisterArtifact writes a file with the given content into dir, digests
// it, and registers it with the store at the provided creation time.
func RegisterArtifact(t testing.TB, store *artifacts.Store, dir string, content []byte, createdAt time.Time) *artifacts.Artifact {
	t.Helper()

	id := uuid.NewString()
	path := filepath.Join(dir, id+".bin")
	WriteFileContent(t, path, content)

	digest, err := hashing.Digest(path)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	artifact := &artifacts.Artifact{
		ID:        id,
		Path:      path,
		Digest:    digest,
		SizeBytes: int64(len(content)),
		CreatedAt: createdAt.UTC(),
	}
	if err := store.Register(context.Background(), artifact); err != nil {
		t.Fatalf("register artifact: %v", err)
	}
	return artifact
}
