package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"transmute/internal/artifacts"
	"transmute/internal/codec"
	"transmute/internal/config"
	"transmute/internal/fileutil"
	"transmute/internal/hashing"
	"transmute/internal/logging"
	"transmute/internal/scheduler"
	"transmute/internal/services"
	"transmute/internal/vault"
)

// Service is the intake boundary: it places incoming files into the
// uploads namespace under opaque names, records them in the inventory,
// and turns registered uploads into conversion jobs.
type Service struct {
	cfg    *config.Config
	store  *artifacts.Store
	sched  *scheduler.Scheduler
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the intake service. The scheduler may be nil when
// only storage operations are needed.
func NewService(cfg *config.Config, store *artifacts.Store, sched *scheduler.Scheduler, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		sched:  sched,
		logger: logging.NewComponentLogger(logger, "ingest"),
		now:    time.Now,
	}
}

// Ingest stores the stream under an opaque name in uploads/ and registers
// it. Only the original extension survives into the stored name; it is
// what category inference keys on later.
func (s *Service) Ingest(ctx context.Context, src io.Reader, originalName, sessionID string) (*artifacts.Artifact, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	id := uuid.NewString()
	path := filepath.Join(s.cfg.UploadsDir(), id+ext)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	size, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = fileutil.RemoveIfExists(path)
		return nil, fmt.Errorf("write upload: %w", err)
	}

	digest, err := hashing.Digest(path)
	if err != nil {
		_ = fileutil.RemoveIfExists(path)
		return nil, services.Wrap(services.ErrIntegrity, "ingest", "ingest", path, err)
	}

	category := ""
	if inferred, ok := codec.CategoryForExtension(ext); ok {
		category = string(inferred)
	}
	expiresAt := s.now().UTC().Add(s.cfg.MaxArtifactAge())
	artifact := &artifacts.Artifact{
		ID:           id,
		Path:         path,
		Digest:       digest,
		SizeBytes:    size,
		MimeCategory: category,
		SessionID:    sessionID,
		CreatedAt:    s.now().UTC(),
		ExpiresAt:    &expiresAt,
	}
	if err := s.store.Register(ctx, artifact); err != nil {
		_ = fileutil.RemoveIfExists(path)
		return nil, fmt.Errorf("register upload: %w", err)
	}

	s.logger.Info("upload ingested",
		logging.String("artifact_id", id),
		logging.String("category", category),
		logging.Int64("size_bytes", size),
	)
	return artifact, nil
}

// IngestFile copies an existing file into the uploads namespace.
func (s *Service) IngestFile(ctx context.Context, path, sessionID string) (*artifacts.Artifact, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	return s.Ingest(ctx, src, filepath.Base(path), sessionID)
}

// IngestSecure encrypts the stream at rest into the secure namespace. The
// returned key is the caller's only copy; the registered artifact carries
// the non-secret nonce and tag but never the key.
func (s *Service) IngestSecure(ctx context.Context, src io.Reader, sessionID string) (*artifacts.Artifact, []byte, error) {
	sealed, err := vault.EncryptToRest(src, s.cfg.SecureDir())
	if err != nil {
		return nil, nil, err
	}

	digest, err := hashing.Digest(sealed.CiphertextPath)
	if err != nil {
		_ = fileutil.RemoveIfExists(sealed.CiphertextPath)
		return nil, nil, services.Wrap(services.ErrIntegrity, "ingest", "ingest secure", sealed.CiphertextPath, err)
	}
	size, err := fileutil.FileSize(sealed.CiphertextPath)
	if err != nil {
		_ = fileutil.RemoveIfExists(sealed.CiphertextPath)
		return nil, nil, fmt.Errorf("stat ciphertext: %w", err)
	}

	expiresAt := s.now().UTC().Add(s.cfg.MaxArtifactAge())
	artifact := &artifacts.Artifact{
		ID:         strings.TrimSuffix(filepath.Base(sealed.CiphertextPath), ".sealed"),
		Path:       sealed.CiphertextPath,
		Digest:     digest,
		SizeBytes:  size,
		SessionID:  sessionID,
		CreatedAt:  s.now().UTC(),
		ExpiresAt:  &expiresAt,
		NonceHex:   hex.EncodeToString(sealed.Nonce),
		AuthTagHex: hex.EncodeToString(sealed.AuthTag),
	}
	if err := s.store.Register(ctx, artifact); err != nil {
		_ = fileutil.RemoveIfExists(sealed.CiphertextPath)
		return nil, nil, fmt.Errorf("register secure artifact: %w", err)
	}

	s.logger.Info("secure upload sealed",
		logging.String("artifact_id", artifact.ID),
		logging.Int64("ciphertext_bytes", size),
	)
	return artifact, sealed.Key, nil
}

// OpenSecure decrypts a sealed artifact with the caller-supplied key. The
// nonce comes from the artifact record; the key never does.
func (s *Service) OpenSecure(ctx context.Context, id string, key []byte) (io.ReadCloser, error) {
	artifact, err := s.store.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, services.Wrap(services.ErrValidation, "ingest", "open secure",
			fmt.Sprintf("artifact %q is not registered", id), nil)
	}
	if !artifact.Encrypted() {
		return nil, services.Wrap(services.ErrValidation, "ingest", "open secure",
			fmt.Sprintf("artifact %q is not sealed", id), nil)
	}
	nonce, err := hex.DecodeString(artifact.NonceHex)
	if err != nil {
		return nil, services.Wrap(services.ErrIntegrity, "ingest", "open secure", "corrupt nonce record", err)
	}
	return vault.Decrypt(artifact.Path, key, nonce)
}

// DiscardSecure irreversibly destroys a sealed artifact: the ciphertext is
// overwritten before unlinking and the record is dropped afterwards.
func (s *Service) DiscardSecure(ctx context.Context, id string) error {
	artifact, err := s.store.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if artifact == nil {
		return nil
	}
	if err := vault.SecureWipe(artifact.Path, vault.DefaultWipePasses); err != nil {
		return services.Wrap(services.ErrDeletionFailure, "ingest", "discard secure", artifact.Path, err)
	}
	return s.store.Remove(ctx, id)
}

// Convert submits a conversion of registered uploads. All sources must
// resolve to the same category; the job's session is taken from the first
// artifact unless overridden.
func (s *Service) Convert(ctx context.Context, artifactIDs []string, targetFormat string, options codec.Options) (*scheduler.Handle, error) {
	if s.sched == nil {
		return nil, services.Wrap(services.ErrValidation, "ingest", "convert", "no scheduler attached", nil)
	}
	if len(artifactIDs) == 0 {
		return nil, services.Wrap(services.ErrValidation, "ingest", "convert", "no artifacts", nil)
	}

	var (
		paths     []string
		category  codec.Category
		sessionID string
	)
	for i, id := range artifactIDs {
		artifact, err := s.store.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if artifact == nil {
			return nil, services.Wrap(services.ErrValidation, "ingest", "convert",
				fmt.Sprintf("artifact %q is not registered", id), nil)
		}
		memberCategory, ok := codec.ParseCategory(artifact.MimeCategory)
		if !ok {
			inferred, extOK := codec.CategoryForExtension(filepath.Ext(artifact.Path))
			if !extOK {
				return nil, services.Wrap(services.ErrValidation, "ingest", "convert",
					fmt.Sprintf("artifact %q has no usable category", id), nil)
			}
			memberCategory = inferred
		}
		if i == 0 {
			category = memberCategory
			sessionID = artifact.SessionID
		} else if memberCategory != category {
			return nil, services.Wrap(services.ErrValidation, "ingest", "convert",
				fmt.Sprintf("mixed source categories %s and %s", category, memberCategory), nil)
		}
		paths = append(paths, artifact.Path)
	}

	return s.sched.Submit(scheduler.Request{
		SourcePaths:  paths,
		TargetFormat: targetFormat,
		Category:     category,
		Options:      options,
		SessionID:    sessionID,
	})
}
