package artifacts

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"transmute/internal/config"
	"transmute/internal/fileutil"
	"transmute/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// timeLayout is RFC 3339 with a fixed nine-digit fraction. RFC3339Nano
// trims trailing zeros, which breaks the lexicographic ordering the text
// created_at column relies on; a fixed width keeps string order equal to
// chronological order for UTC timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the artifact index backed by SQLite. It is an inventory of files
// physically present in the managed namespace directories; the lifecycle
// sweeper reconciles it against the filesystem.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the artifact database under the managed
// root and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.RootDir, "artifacts.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

// Register inserts an artifact record. The artifact's path must already
// resolve to a file inside a managed namespace directory.
func (s *Store) Register(ctx context.Context, artifact *Artifact) error {
	if artifact == nil {
		return errors.New("artifact is nil")
	}
	if artifact.ID == "" {
		return errors.New("artifact id is empty")
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (
            id, path, digest, size_bytes, mime_category, session_id,
            created_at, expires_at, key_ref, nonce_hex, auth_tag_hex
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID,
		artifact.Path,
		artifact.Digest,
		artifact.SizeBytes,
		nullableString(artifact.MimeCategory),
		nullableString(artifact.SessionID),
		artifact.CreatedAt.UTC().Format(timeLayout),
		nullableTime(artifact.ExpiresAt),
		nullableString(artifact.KeyRef),
		nullableString(artifact.NonceHex),
		nullableString(artifact.AuthTagHex),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Lookup fetches an artifact by identifier. Returns nil when absent.
func (s *Store) Lookup(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup artifact: %w", err)
	}
	return artifact, nil
}

// List returns all artifacts ordered by creation time ascending.
func (s *Store) List(ctx context.Context) ([]*Artifact, error) {
	return s.query(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY created_at, id`)
}

// ListByDirectory returns artifacts whose path lives directly inside dir,
// ordered by creation time ascending (oldest first).
func (s *Store) ListByDirectory(ctx context.Context, dir string) ([]*Artifact, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Artifact
	for _, artifact := range all {
		if filepath.Clean(artifact.Directory()) == filepath.Clean(dir) {
			matched = append(matched, artifact)
		}
	}
	return matched, nil
}

// ListOlderThan returns artifacts created before cutoff, oldest first.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*Artifact, error) {
	return s.query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE created_at < ? ORDER BY created_at, id`,
		cutoff.UTC().Format(timeLayout),
	)
}

// ListByDigest returns artifacts sharing the given digest, oldest first.
func (s *Store) ListByDigest(ctx context.Context, digest string) ([]*Artifact, error) {
	return s.query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE digest = ? ORDER BY created_at, id`,
		digest,
	)
}

// DuplicateDigests returns every digest shared by more than one artifact.
func (s *Store) DuplicateDigests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT digest FROM artifacts GROUP BY digest HAVING COUNT(1) > 1`)
	if err != nil {
		return nil, fmt.Errorf("query duplicate digests: %w", err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}
	return digests, rows.Err()
}

// Remove deletes the artifact's file and then its record. Physical deletion
// happens first; the record is dropped only after deletion succeeds or the
// file is confirmed already absent, so the store never loses track of a
// file that failed to delete.
func (s *Store) Remove(ctx context.Context, id string) error {
	artifact, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if artifact == nil {
		return nil
	}

	if err := fileutil.RemoveIfExists(artifact.Path); err != nil {
		return services.Wrap(services.ErrDeletionFailure, "artifacts", "remove", artifact.Path, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact record: %w", err)
	}
	return nil
}

// Count returns the number of registered artifacts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return count, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

const artifactColumns = "id, path, digest, size_bytes, mime_category, session_id, created_at, expires_at, key_ref, nonce_hex, auth_tag_hex"

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*Artifact, error) {
	var (
		id         string
		path       string
		digest     string
		sizeBytes  int64
		mime       sql.NullString
		sessionID  sql.NullString
		createdRaw string
		expiresRaw sql.NullString
		keyRef     sql.NullString
		nonceHex   sql.NullString
		authTagHex sql.NullString
	)
	if err := scanner.Scan(
		&id, &path, &digest, &sizeBytes, &mime, &sessionID,
		&createdRaw, &expiresRaw, &keyRef, &nonceHex, &authTagHex,
	); err != nil {
		return nil, err
	}

	artifact := &Artifact{
		ID:           id,
		Path:         path,
		Digest:       digest,
		SizeBytes:    sizeBytes,
		MimeCategory: mime.String,
		SessionID:    sessionID.String,
		KeyRef:       keyRef.String,
		NonceHex:     nonceHex.String,
		AuthTagHex:   authTagHex.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		artifact.CreatedAt = created
	}
	if expiresRaw.Valid {
		if expires, err := parseTimeString(expiresRaw.String); err == nil {
			artifact.ExpiresAt = &expires
		}
	}
	return artifact, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

// PathExists reports whether the artifact's file is still present on disk.
func PathExists(artifact *Artifact) bool {
	if artifact == nil {
		return false
	}
	_, err := os.Stat(artifact.Path)
	return err == nil
}
