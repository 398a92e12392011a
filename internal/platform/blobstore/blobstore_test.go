package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func seedBlob(t *testing.T, store BlobStore, fileName, content string) *BlobMetadata {
	t.Helper()
	ct, err := ContentTypeFor(fileName)
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	meta := BlobMetadata{FileName: fileName, ContentType: ct, OwnerID: "patient-1"}
	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

// stores runs a test against every backend.
func stores(t *testing.T, maxSize int64) map[string]BlobStore {
	fsStore, err := NewFileSystemBlobStore(t.TempDir(), maxSize)
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	return map[string]BlobStore{
		"memory":     NewInMemoryBlobStore(maxSize),
		"filesystem": fsStore,
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr error
	}{
		{"report.pdf", "application/pdf", nil},
		{"scan.JPG", "image/jpeg", nil},
		{"scan.tiff", "image/tiff", nil},
		{"notes.txt", "text/plain", nil},
		{"macro.docm", "", ErrInvalidContentType},
		{"", "", ErrMissingFileName},
	}
	for _, tt := range tests {
		got, err := ContentTypeFor(tt.name)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%q: expected %v, got %v", tt.name, tt.wantErr, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: expected %s, got %s (%v)", tt.name, tt.want, got, err)
		}
	}
	if !IsImage("image/png") || IsImage("application/pdf") {
		t.Error("IsImage misclassified content types")
	}
}

func TestBlobStore_UploadDownload(t *testing.T) {
	for name, store := range stores(t, 1024) {
		t.Run(name, func(t *testing.T) {
			content := "Hemoglobin 10.5 g/dL"
			uploaded := seedBlob(t, store, "report.txt", content)

			if uploaded.ID == "" || uploaded.CreatedAt.IsZero() {
				t.Fatalf("expected id and timestamp, got %+v", uploaded)
			}
			if uploaded.Size != int64(len(content)) {
				t.Errorf("expected size %d, got %d", len(content), uploaded.Size)
			}
			want := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
			if uploaded.Hash != want {
				t.Errorf("expected hash %s, got %s", want, uploaded.Hash)
			}

			data, meta, err := ReadAll(context.Background(), store, uploaded.ID)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(data) != content {
				t.Errorf("expected %q, got %q", content, data)
			}
			if meta.FileName != "report.txt" || meta.OwnerID != "patient-1" {
				t.Errorf("unexpected metadata: %+v", meta)
			}
		})
	}
}

func TestBlobStore_NotFound(t *testing.T) {
	for name, store := range stores(t, 1024) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "4b0c5f8e-9d1a-4a55-8c5e-0d7e7d0b9f11"
			if _, _, err := store.Download(ctx, id); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Download: expected ErrBlobNotFound, got %v", err)
			}
			if _, err := store.GetMetadata(ctx, id); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("GetMetadata: expected ErrBlobNotFound, got %v", err)
			}
			if err := store.Delete(ctx, id); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Delete: expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestBlobStore_Delete(t *testing.T) {
	for name, store := range stores(t, 1024) {
		t.Run(name, func(t *testing.T) {
			uploaded := seedBlob(t, store, "file.pdf", "data")
			if err := store.Delete(context.Background(), uploaded.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.GetMetadata(context.Background(), uploaded.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected blob to be gone, got %v", err)
			}
		})
	}
}

func TestBlobStore_FileTooLarge(t *testing.T) {
	for name, store := range stores(t, 8) {
		t.Run(name, func(t *testing.T) {
			meta := BlobMetadata{FileName: "big.txt", ContentType: "text/plain"}
			_, err := store.Upload(context.Background(), meta, strings.NewReader("123456789"))
			if !errors.Is(err, ErrFileTooLarge) {
				t.Errorf("expected ErrFileTooLarge, got %v", err)
			}
		})
	}
}

func TestBlobStore_MissingFileName(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	_, err := store.Upload(context.Background(), BlobMetadata{}, strings.NewReader("x"))
	if !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
}

func TestFileSystemBlobStore_RejectsPathIDs(t *testing.T) {
	store, err := NewFileSystemBlobStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetMetadata(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound for path id, got %v", err)
	}
}

func TestInMemoryBlobStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	var wg sync.WaitGroup
	ids := make(chan string, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meta, err := store.Upload(context.Background(),
				BlobMetadata{FileName: fmt.Sprintf("f%d.txt", i), ContentType: "text/plain"},
				strings.NewReader(fmt.Sprintf("content-%d", i)))
			if err != nil {
				t.Errorf("upload: %v", err)
				return
			}
			ids <- meta.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		rc, _, err := store.Download(context.Background(), id)
		if err != nil {
			t.Fatalf("download %s: %v", id, err)
		}
		if _, err := io.ReadAll(rc); err != nil {
			t.Fatal(err)
		}
		rc.Close()
	}
}
