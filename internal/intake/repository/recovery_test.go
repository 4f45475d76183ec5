package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"

	"gradelab/internal/common/storage"
	"gradelab/internal/intake/packet"
	appErr "gradelab/pkg/errors"
)

type fakeObjectStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	getCalls int
	removed  []string
}

func (f *fakeObjectStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	return errors.New("not implemented")
}

func (f *fakeObjectStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	raw, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %s", key)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *fakeObjectStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, errors.New("not implemented")
}

func (f *fakeObjectStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, keys...)
	return nil
}

func (f *fakeObjectStorage) EnsureBucket(ctx context.Context, bucket string) error {
	return nil
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		zf, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := zf.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func validArchive(t *testing.T) ([]byte, string) {
	t.Helper()
	raw := buildArchive(t, map[string]string{
		"main.c":      "int main(void) { return 0; }\n",
		"input/a.txt": "1 2\n",
		"crash/x.txt": "-1\n",
	})
	dir := t.TempDir()
	if err := packet.ExtractArchive(raw, dir); err != nil {
		t.Fatalf("extract: %v", err)
	}
	pkt, err := packet.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return raw, pkt.Hash
}

func newTestSource(t *testing.T, objStorage storage.ObjectStorage) (*RecoveringSource, *PacketStore) {
	t.Helper()
	store, err := NewPacketStore(filepath.Join(t.TempDir(), "packets"))
	if err != nil {
		t.Fatal(err)
	}
	source, err := NewRecoveringSource(RecoveringSourceConfig{
		Store:      store,
		Storage:    objStorage,
		RawBucket:  "packets",
		StagingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return source, store
}

func TestGetRecoversFromRetainedArchive(t *testing.T) {
	t.Parallel()

	raw, hash := validArchive(t)
	objStorage := &fakeObjectStorage{objects: map[string][]byte{hash + "/packet.zip": raw}}
	source, store := newTestSource(t, objStorage)

	pkt, err := source.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pkt.Hash != hash {
		t.Fatalf("recovered hash = %q, want %q", pkt.Hash, hash)
	}
	if _, err := store.Get(hash); err != nil {
		t.Fatalf("recovered packet not installed locally: %v", err)
	}

	// The second lookup resolves locally.
	if _, err := source.Get(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	if objStorage.getCalls != 1 {
		t.Fatalf("storage fetches = %d, want 1", objStorage.getCalls)
	}
}

func TestGetPrefersLocalStore(t *testing.T) {
	t.Parallel()

	raw, hash := validArchive(t)
	objStorage := &fakeObjectStorage{objects: map[string][]byte{}}
	source, store := newTestSource(t, objStorage)

	staging := filepath.Join(t.TempDir(), "staging")
	if err := os.Mkdir(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := packet.ExtractArchive(raw, staging); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Install(staging, hash); err != nil {
		t.Fatal(err)
	}

	if _, err := source.Get(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	if objStorage.getCalls != 0 {
		t.Fatalf("storage fetches = %d, want 0", objStorage.getCalls)
	}
}

func TestGetDropsMismatchedArchive(t *testing.T) {
	t.Parallel()

	raw, _ := validArchive(t)
	wrongHash := strings.Repeat("ab", 32)
	key := wrongHash + "/packet.zip"
	objStorage := &fakeObjectStorage{objects: map[string][]byte{key: raw}}
	source, _ := newTestSource(t, objStorage)

	_, err := source.Get(context.Background(), wrongHash)
	if !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("err = %v, want submission not found", err)
	}
	if len(objStorage.removed) != 1 || objStorage.removed[0] != key {
		t.Fatalf("removed = %v, want [%s]", objStorage.removed, key)
	}
}

func TestGetWithoutStorageIsNotFound(t *testing.T) {
	t.Parallel()

	store, err := NewPacketStore(filepath.Join(t.TempDir(), "packets"))
	if err != nil {
		t.Fatal(err)
	}
	source, err := NewRecoveringSource(RecoveringSourceConfig{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := source.Get(context.Background(), strings.Repeat("cd", 32)); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("err = %v, want submission not found", err)
	}
}
