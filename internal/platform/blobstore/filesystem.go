package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileSystemBlobStore keeps each blob as two files under a root directory:
// <id>.bin for the content and <id>.json for the metadata.
type FileSystemBlobStore struct {
	root    string
	maxSize int64
}

// NewFileSystemBlobStore creates root if needed.
func NewFileSystemBlobStore(root string, maxSize int64) (*FileSystemBlobStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob dir %s: %w", root, err)
	}
	return &FileSystemBlobStore{root: root, maxSize: maxSize}, nil
}

func (s *FileSystemBlobStore) paths(id string) (string, string, error) {
	// ids are uuids; anything else could escape root
	if _, err := uuid.Parse(id); err != nil {
		return "", "", ErrBlobNotFound
	}
	return filepath.Join(s.root, id+".bin"), filepath.Join(s.root, id+".json"), nil
}

func (s *FileSystemBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readLimited(&meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	dataPath, metaPath, err := s.paths(meta.ID)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(dataPath, data); err != nil {
		return nil, err
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding blob metadata: %w", err)
	}
	if err := writeFileAtomic(metaPath, mb); err != nil {
		os.Remove(dataPath)
		return nil, err
	}
	return &meta, nil
}

func (s *FileSystemBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	dataPath, _, _ := s.paths(id)
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("opening blob %s: %w", id, err)
	}
	return f, meta, nil
}

func (s *FileSystemBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	_, metaPath, err := s.paths(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("reading blob metadata %s: %w", id, err)
	}
	var meta BlobMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decoding blob metadata %s: %w", id, err)
	}
	return &meta, nil
}

func (s *FileSystemBlobStore) Delete(_ context.Context, id string) error {
	dataPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming to %s: %w", path, err)
	}
	return nil
}
