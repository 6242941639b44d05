package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the token record in a single JSON file with secure permissions.
// Writes use temp file + rename for crash safety. Concurrent writers from
// multiple processes are not coordinated.
type FileStore struct {
	filePath string
	codec    *Codec
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path. Parent directories are
// created on first Save.
func NewFileStore(filePath string, codec *Codec) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if codec == nil {
		return nil, fmt.Errorf("missing codec")
	}

	return &FileStore{
		filePath: filePath,
		codec:    codec,
	}, nil
}

// Path returns the location of the token file.
func (f *FileStore) Path() string {
	return f.filePath
}

// Load returns the stored record. A missing file yields (nil, nil); unreadable
// files and files with insecure permissions yield an I/O error; malformed content
// yields an error wrapping ErrCorrupt.
func (f *FileStore) Load(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, perm)
	}

	data, err := os.ReadFile(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	return f.codec.Deserialize(data)
}

// Save atomically replaces the stored record using temp file + fsync + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) Save(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := f.codec.Serialize(record)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	// Secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths; after a successful rename the remove is a no-op
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	// CreateTemp already uses 0600; chmod before rename so the target is never world-readable
	if err := os.Chmod(tempName, 0o600); err != nil {
		return fmt.Errorf("setting token file permissions: %w", err)
	}
	if err := os.Rename(tempName, f.filePath); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}

	return nil
}

// Delete removes the token file.
func (f *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}
