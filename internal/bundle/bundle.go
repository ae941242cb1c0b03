package bundle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"transmute/internal/artifacts"
	"transmute/internal/config"
	"transmute/internal/fileutil"
	"transmute/internal/hashing"
	"transmute/internal/logging"
	"transmute/internal/services"
)

// Builder assembles sets of registered artifacts into zip bundles under
// the archives namespace. The bundle itself is registered as an artifact,
// so it participates in the same lifecycle as everything else.
type Builder struct {
	cfg    *config.Config
	store  *artifacts.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder constructs a bundle builder.
func NewBuilder(cfg *config.Config, store *artifacts.Store, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		store:  store,
		logger: logging.NewComponentLogger(logger, "bundle"),
		now:    time.Now,
	}
}

// Create bundles the given artifacts into a single zip in archives/ and
// registers the result. Every id must resolve to a registered artifact
// whose file is present; a partial bundle is never left behind.
func (b *Builder) Create(ctx context.Context, artifactIDs []string, sessionID string) (*artifacts.Artifact, error) {
	if len(artifactIDs) == 0 {
		return nil, services.Wrap(services.ErrValidation, "bundle", "create", "no artifacts to bundle", nil)
	}

	members := make([]*artifacts.Artifact, 0, len(artifactIDs))
	for _, id := range artifactIDs {
		artifact, err := b.store.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if artifact == nil {
			return nil, services.Wrap(services.ErrValidation, "bundle", "create",
				fmt.Sprintf("artifact %q is not registered", id), nil)
		}
		if !artifacts.PathExists(artifact) {
			return nil, services.Wrap(services.ErrValidation, "bundle", "create",
				fmt.Sprintf("artifact file missing: %s", artifact.Path), nil)
		}
		members = append(members, artifact)
	}

	id := uuid.NewString()
	bundlePath := filepath.Join(b.cfg.ArchivesDir(), id+".zip")
	if err := b.write(bundlePath, members); err != nil {
		if removeErr := fileutil.RemoveIfExists(bundlePath); removeErr != nil {
			b.logger.Warn("failed to remove partial bundle",
				logging.String("path", bundlePath),
				logging.Error(removeErr),
			)
		}
		return nil, err
	}

	digest, err := hashing.Digest(bundlePath)
	if err != nil {
		_ = fileutil.RemoveIfExists(bundlePath)
		return nil, services.Wrap(services.ErrIntegrity, "bundle", "create", bundlePath, err)
	}
	size, err := fileutil.FileSize(bundlePath)
	if err != nil {
		_ = fileutil.RemoveIfExists(bundlePath)
		return nil, fmt.Errorf("stat bundle: %w", err)
	}

	expiresAt := b.now().UTC().Add(b.cfg.MaxArtifactAge())
	bundle := &artifacts.Artifact{
		ID:        id,
		Path:      bundlePath,
		Digest:    digest,
		SizeBytes: size,
		SessionID: sessionID,
		CreatedAt: b.now().UTC(),
		ExpiresAt: &expiresAt,
	}
	if err := b.store.Register(ctx, bundle); err != nil {
		_ = fileutil.RemoveIfExists(bundlePath)
		return nil, fmt.Errorf("register bundle: %w", err)
	}

	b.logger.Info("bundle created",
		logging.String("bundle_id", id),
		logging.Int("members", len(members)),
		logging.Int64("size_bytes", size),
	)
	return bundle, nil
}

// write streams every member into the zip. Duplicate basenames are
// disambiguated with a numeric prefix so no entry silently overwrites
// another.
func (b *Builder) write(bundlePath string, members []*artifacts.Artifact) error {
	out, err := os.OpenFile(bundlePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	names := make(map[string]int)
	for _, member := range members {
		name := filepath.Base(member.Path)
		if count := names[name]; count > 0 {
			name = fmt.Sprintf("%d-%s", count+1, name)
		}
		names[filepath.Base(member.Path)]++

		entry, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("add bundle entry %q: %w", name, err)
		}
		src, err := os.Open(member.Path)
		if err != nil {
			return fmt.Errorf("open member %s: %w", member.Path, err)
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			return fmt.Errorf("write bundle entry %q: %w", name, err)
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize bundle: %w", err)
	}
	return out.Close()
}
