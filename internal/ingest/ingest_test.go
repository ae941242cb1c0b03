package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"transmute/internal/codec"
	"transmute/internal/scheduler"
	"transmute/internal/services"
	"transmute/internal/testsupport"
)

func newTestService(t *testing.T) (*Service, *scheduler.Scheduler) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	engine := stubCodec{}
	registry := codec.NewRegistryWithEngines(map[codec.Category]codec.Codec{
		codec.CategoryImage: engine,
		codec.CategoryAudio: engine,
	})
	sched := scheduler.New(cfg, registry, store, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	return NewService(cfg, store, sched, nil), sched
}

type stubCodec struct{}

func (stubCodec) Name() string { return "stub" }

func (stubCodec) Convert(_ context.Context, _ []string, output, _ string, _ codec.Options, _ func(codec.ProgressUpdate)) (codec.Result, error) {
	if err := os.WriteFile(output, []byte("converted"), 0o644); err != nil {
		return codec.Result{}, err
	}
	return codec.Result{OutputPath: output, SizeBytes: 9}, nil
}

func TestIngestStoresOpaqueNameAndRegisters(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	artifact, err := service.Ingest(ctx, strings.NewReader("picture bytes"), "holiday photo.PNG", "session-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	base := filepath.Base(artifact.Path)
	if strings.Contains(base, "holiday") {
		t.Errorf("stored name must be opaque, got %q", base)
	}
	if !strings.HasSuffix(base, ".png") {
		t.Errorf("stored name should keep the lowered extension, got %q", base)
	}
	if artifact.MimeCategory != string(codec.CategoryImage) {
		t.Errorf("category = %q, want image", artifact.MimeCategory)
	}
	if artifact.SessionID != "session-1" {
		t.Errorf("session = %q", artifact.SessionID)
	}
	if artifact.ExpiresAt == nil {
		t.Error("upload should carry an expiry")
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil || string(data) != "picture bytes" {
		t.Fatalf("stored content mismatch: %q err=%v", data, err)
	}
}

func TestIngestFileCopiesSource(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "track.wav")
	testsupport.WriteFileContent(t, src, []byte("audio"))

	artifact, err := service.IngestFile(ctx, src, "")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	if artifact.MimeCategory != string(codec.CategoryAudio) {
		t.Errorf("category = %q, want audio", artifact.MimeCategory)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source must be left in place: %v", err)
	}
}

func TestSecureRoundTrip(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	secret := []byte("the payload nobody else may read")
	artifact, key, err := service.IngestSecure(ctx, bytes.NewReader(secret), "session-2")
	if err != nil {
		t.Fatalf("ingest secure: %v", err)
	}
	if len(key) == 0 {
		t.Fatal("caller must receive the key")
	}
	if artifact.NonceHex == "" || artifact.AuthTagHex == "" {
		t.Fatal("record must carry nonce and tag")
	}
	if artifact.KeyRef != "" {
		t.Fatal("record must never carry key material")
	}

	sealedBytes, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	if bytes.Contains(sealedBytes, secret) {
		t.Fatal("plaintext leaked into the sealed file")
	}

	reader, err := service.OpenSecure(ctx, artifact.ID, key)
	if err != nil {
		t.Fatalf("open secure: %v", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read plaintext: %v", err)
	}
	if !bytes.Equal(plaintext, secret) {
		t.Fatal("decrypted bytes differ from original")
	}
}

func TestOpenSecureWrongKeyFailsIntegrity(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	artifact, _, err := service.IngestSecure(ctx, strings.NewReader("secret"), "")
	if err != nil {
		t.Fatalf("ingest secure: %v", err)
	}
	wrongKey := make([]byte, 32)
	if _, err := rand.Read(wrongKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := service.OpenSecure(ctx, artifact.ID, wrongKey); !errors.Is(err, services.ErrIntegrity) {
		t.Fatalf("expected integrity failure, got %v", err)
	}
}

func TestOpenSecureRejectsUnsealedArtifact(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	artifact, err := service.Ingest(ctx, strings.NewReader("plain"), "note.txt", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := service.OpenSecure(ctx, artifact.ID, make([]byte, 32)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDiscardSecureDestroysFileAndRecord(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	artifact, _, err := service.IngestSecure(ctx, strings.NewReader("burn after reading"), "")
	if err != nil {
		t.Fatalf("ingest secure: %v", err)
	}
	if err := service.DiscardSecure(ctx, artifact.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(artifact.Path); !os.IsNotExist(err) {
		t.Error("ciphertext should be gone")
	}
	remaining, err := service.store.Lookup(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if remaining != nil {
		t.Error("record should be dropped")
	}
	// Discarding again is a no-op.
	if err := service.DiscardSecure(ctx, artifact.ID); err != nil {
		t.Fatalf("second discard: %v", err)
	}
}

func TestConvertSubmitsJobFromUploads(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	artifact, err := service.Ingest(ctx, strings.NewReader("img"), "in.png", "session-3")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	handle, err := service.Convert(ctx, []string{artifact.ID}, "webp", nil)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if outcome.Err != nil {
		t.Fatalf("job failed: %v", outcome.Err)
	}
	if outcome.Job.SessionID != "session-3" {
		t.Errorf("job session = %q", outcome.Job.SessionID)
	}
	if len(outcome.Job.SourcePaths) != 1 || outcome.Job.SourcePaths[0] != artifact.Path {
		t.Errorf("job sources = %v", outcome.Job.SourcePaths)
	}
}

func TestConvertRejectsMixedCategories(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	image, err := service.Ingest(ctx, strings.NewReader("img"), "a.png", "")
	if err != nil {
		t.Fatalf("ingest image: %v", err)
	}
	audio, err := service.Ingest(ctx, strings.NewReader("snd"), "b.wav", "")
	if err != nil {
		t.Fatalf("ingest audio: %v", err)
	}

	if _, err := service.Convert(ctx, []string{image.ID, audio.ID}, "png", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for mixed categories, got %v", err)
	}
}

func TestConvertRejectsUnknownArtifact(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.Convert(context.Background(), []string{"ghost"}, "png", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
