// Package vault encrypts artifacts at rest and performs irreversible
// multi-pass overwrite deletion. Keys and nonces are generated fresh per
// call and handed back to the caller; the vault never persists key material,
// so losing the returned key makes the artifact permanently unrecoverable.
package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"transmute/internal/services"
)

// DefaultWipePasses is the minimum number of overwrite passes SecureWipe
// performs before unlinking.
const DefaultWipePasses = 3

// Sealed describes an encrypted artifact written to rest. Key is secret and
// caller-managed; Nonce and AuthTag are not secret and may be recorded
// alongside the artifact.
type Sealed struct {
	CiphertextPath string
	Key            []byte
	Nonce          []byte
	AuthTag        []byte
	PlaintextSize  int64
}

// EncryptToRest reads all of src, encrypts it with XChaCha20-Poly1305 under
// a fresh key and nonce, and writes the ciphertext (tag appended) to a new
// opaque filename inside destDir.
func EncryptToRest(src io.Reader, destDir string) (*Sealed, error) {
	plaintext, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure secure directory: %w", err)
	}
	path := filepath.Join(destDir, uuid.NewString()+".sealed")
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return nil, fmt.Errorf("write ciphertext: %w", err)
	}

	tag := make([]byte, aead.Overhead())
	copy(tag, ciphertext[len(ciphertext)-aead.Overhead():])

	return &Sealed{
		CiphertextPath: path,
		Key:            key,
		Nonce:          nonce,
		AuthTag:        tag,
		PlaintextSize:  int64(len(plaintext)),
	}, nil
}

// Decrypt opens the ciphertext at path with the caller-supplied key and
// nonce and returns a reader over the plaintext. Any tampering with the
// ciphertext or tag fails authentication and is reported as an integrity
// error; wrong plaintext is never returned.
func Decrypt(path string, key, nonce []byte) (io.ReadCloser, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "vault", "decrypt", "bad key size", err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, services.Wrap(services.ErrValidation, "vault", "decrypt",
			fmt.Sprintf("nonce must be %d bytes", chacha20poly1305.NonceSizeX), nil)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrIntegrity, "vault", "decrypt",
			"authentication tag did not verify", err)
	}
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// SecureWipe overwrites the file's full length with at least passes
// deterministic and random patterns before unlinking, defeating simple
// undelete recovery. A failed overwrite pass aborts before unlinking; the
// file is never removed without the overwrite having been attempted.
func SecureWipe(path string, passes int) error {
	if passes < DefaultWipePasses {
		passes = DefaultWipePasses
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat for wipe: %w", err)
	}
	size := info.Size()

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open for wipe: %w", err)
	}

	for pass := 0; pass < passes; pass++ {
		if err := overwritePass(file, size, pass); err != nil {
			_ = file.Close()
			return services.Wrap(services.ErrDeletionFailure, "vault", "secure wipe",
				fmt.Sprintf("overwrite pass %d of %d failed; file not unlinked", pass+1, passes), err)
		}
	}
	if err := file.Close(); err != nil {
		return services.Wrap(services.ErrDeletionFailure, "vault", "secure wipe", "close after overwrite", err)
	}
	if err := os.Remove(path); err != nil {
		return services.Wrap(services.ErrDeletionFailure, "vault", "secure wipe", "unlink", err)
	}
	return nil
}

func overwritePass(file *os.File, size int64, pass int) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	const chunkSize = 64 * 1024
	chunk := make([]byte, chunkSize)
	switch pass % 3 {
	case 0:
		// zeros; chunk already cleared
	case 1:
		for i := range chunk {
			chunk[i] = 0xFF
		}
	case 2:
		if _, err := rand.Read(chunk); err != nil {
			return err
		}
	}

	remaining := size
	for remaining > 0 {
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := file.Write(chunk[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return file.Sync()
}
