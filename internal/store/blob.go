package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chunkcast/internal/media"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned by Open for an unknown key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStorage holds chunk and video bytes under slash-separated keys.
type BlobStorage interface {
	// Put stores r under key, replacing any previous blob atomically.
	Put(key string, r io.Reader) (int64, error)
	Open(key string) (io.ReadSeekCloser, error)
	Delete(key string) error
}

// ChunkKey is the blob key of one uploaded chunk. Every upload gets its own
// key so a rejected or duplicate upload never touches the accepted one.
func ChunkKey(id CompetitionID, seq uint64, ext media.Extension) string {
	return fmt.Sprintf("%s/chunks/%08d-%s.%s", id, seq, uuid.NewString(), ext)
}

// FinalKey is the blob key of a session's assembled video.
func FinalKey(id CompetitionID, ext media.Extension) string {
	return fmt.Sprintf("%s/final.%s", id, ext)
}

// LocalBlobStorage keeps blobs as files under a base directory.
type LocalBlobStorage struct {
	basePath string
}

// NewLocalBlobStorage creates basePath if needed.
func NewLocalBlobStorage(basePath string) (*LocalBlobStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalBlobStorage{basePath: basePath}, nil
}

func (ls *LocalBlobStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, string(filepath.Separator)+"..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(ls.basePath, clean), nil
}

// Put writes to a temporary file next to the target and renames it into
// place once complete.
func (ls *LocalBlobStorage) Put(key string, r io.Reader) (int64, error) {
	full, err := ls.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(full), "."+uuid.NewString()+".tmp")
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	return n, nil
}

// Open implements BlobStorage.Open.
func (ls *LocalBlobStorage) Open(key string) (io.ReadSeekCloser, error) {
	full, err := ls.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete implements BlobStorage.Delete. Deleting a missing blob is not an error.
func (ls *LocalBlobStorage) Delete(key string) error {
	full, err := ls.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
