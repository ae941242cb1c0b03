package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transmute/internal/artifacts"
	"transmute/internal/testsupport"
)

func TestRegisterAndLookup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	created := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("payload"), time.Now())

	found, err := store.Lookup(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil {
		t.Fatal("expected artifact, got nil")
	}
	if found.Path != created.Path {
		t.Errorf("path = %q, want %q", found.Path, created.Path)
	}
	if found.Digest != created.Digest {
		t.Errorf("digest = %q, want %q", found.Digest, created.Digest)
	}
	if found.SizeBytes != int64(len("payload")) {
		t.Errorf("size = %d, want %d", found.SizeBytes, len("payload"))
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	found, err := store.Lookup(context.Background(), "no-such-artifact")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found != nil {
		t.Errorf("expected nil for missing artifact, got %+v", found)
	}
}

func TestListOrdersOldestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	base := time.Now().Add(-time.Hour)
	newest := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("c"), base.Add(30*time.Minute))
	oldest := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("a"), base)
	middle := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("b"), base.Add(15*time.Minute))

	listed, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("list returned %d artifacts, want 3", len(listed))
	}
	wantOrder := []string{oldest.ID, middle.ID, newest.ID}
	for i, want := range wantOrder {
		if listed[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, listed[i].ID, want)
		}
	}
}

func TestListOrdersExactlyAtSubsecondBoundaries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	// A whole-second timestamp must sort before a later fractional one;
	// trimmed-fraction encodings get this backwards.
	base := time.Now().Truncate(time.Second)
	whole := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("a"), base)
	fractional := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("b"), base.Add(500*time.Millisecond))

	listed, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("list returned %d artifacts, want 2", len(listed))
	}
	if listed[0].ID != whole.ID || listed[1].ID != fractional.ID {
		t.Fatalf("order = %s, %s; want %s, %s", listed[0].ID, listed[1].ID, whole.ID, fractional.ID)
	}
}

func TestListByDirectory(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	upload := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("up"), time.Now())
	testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), []byte("out"), time.Now())

	uploads, err := store.ListByDirectory(context.Background(), cfg.UploadsDir())
	if err != nil {
		t.Fatalf("list by directory: %v", err)
	}
	if len(uploads) != 1 || uploads[0].ID != upload.ID {
		t.Errorf("expected only the upload artifact, got %d entries", len(uploads))
	}
}

func TestListOlderThan(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	now := time.Now()
	stale := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("old"), now.Add(-48*time.Hour))
	testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("new"), now)

	older, err := store.ListOlderThan(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list older than: %v", err)
	}
	if len(older) != 1 || older[0].ID != stale.ID {
		t.Fatalf("expected only the stale artifact, got %d entries", len(older))
	}
}

func TestDuplicateDigests(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	same := []byte("identical bytes")
	first := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), same, time.Now().Add(-time.Minute))
	testsupport.RegisterArtifact(t, store, cfg.ConvertedDir(), same, time.Now())
	testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("unique"), time.Now())

	digests, err := store.DuplicateDigests(context.Background())
	if err != nil {
		t.Fatalf("duplicate digests: %v", err)
	}
	if len(digests) != 1 || digests[0] != first.Digest {
		t.Fatalf("expected one duplicate digest %q, got %v", first.Digest, digests)
	}

	copies, err := store.ListByDigest(context.Background(), first.Digest)
	if err != nil {
		t.Fatalf("list by digest: %v", err)
	}
	if len(copies) != 2 {
		t.Fatalf("expected 2 copies, got %d", len(copies))
	}
	if copies[0].ID != first.ID {
		t.Errorf("oldest copy should come first, got %s", copies[0].ID)
	}
}

func TestRemoveDeletesFileThenRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	artifact := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("bytes"), time.Now())

	if err := store.Remove(ctx, artifact.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(artifact.Path); !os.IsNotExist(err) {
		t.Errorf("file should be deleted, stat err = %v", err)
	}
	found, err := store.Lookup(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("lookup after remove: %v", err)
	}
	if found != nil {
		t.Error("record should be gone after remove")
	}
}

func TestRemoveAlreadyAbsentFileStillDropsRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	artifact := testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte("bytes"), time.Now())
	if err := os.Remove(artifact.Path); err != nil {
		t.Fatalf("pre-delete file: %v", err)
	}

	if err := store.Remove(ctx, artifact.ID); err != nil {
		t.Fatalf("remove with absent file: %v", err)
	}
	found, err := store.Lookup(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found != nil {
		t.Error("record should be dropped when the file is already absent")
	}
}

func TestRemoveMissingRecordIsNoop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if err := store.Remove(context.Background(), "never-registered"); err != nil {
		t.Fatalf("remove of unknown id should succeed, got %v", err)
	}
}

func TestCount(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		testsupport.RegisterArtifact(t, store, cfg.UploadsDir(), []byte{byte(i)}, time.Now())
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestExpiredAt(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Minute)
	live := now.Add(time.Minute)

	a := &artifacts.Artifact{ExpiresAt: &expired}
	if !a.ExpiredAt(now) {
		t.Error("artifact past expiry should report expired")
	}
	a.ExpiresAt = &live
	if a.ExpiredAt(now) {
		t.Error("artifact before expiry should not report expired")
	}
	a.ExpiresAt = nil
	if a.ExpiredAt(now) {
		t.Error("artifact without expiry never expires")
	}
}

func TestDirectory(t *testing.T) {
	a := &artifacts.Artifact{Path: filepath.Join("/data", "uploads", "x.bin")}
	if got := a.Directory(); got != filepath.Join("/data", "uploads") {
		t.Errorf("Directory() = %q", got)
	}
}
