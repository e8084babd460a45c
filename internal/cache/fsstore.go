package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const entrySuffix = ".zst"

// FSStore is a directory-backed Store. Entries are zstd-compressed files
// named by the hex encoding of their key; hex preserves the prefix relation,
// so restore-key prefix probes are a directory listing plus a string
// comparison. Publication is write-to-temp-then-rename, which is atomic on
// POSIX filesystems.
type FSStore struct {
	dir string
}

// NewFSStore opens (creating if needed) a cache store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) entryPath(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+entrySuffix)
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, bool, error) {
	f, err := os.Open(s.entryPath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return &decompressingReader{dec: dec, file: f}, true, nil
}

// Put implements Store. The entry is staged in a temporary file in the same
// directory and renamed into place, so concurrent readers either see the
// previous entry or the complete new one, never a torn write.
func (s *FSStore) Put(ctx context.Context, key string, content io.Reader) error {
	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	if _, err := io.Copy(enc, content); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.entryPath(key)); err != nil {
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *FSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, entrySuffix))
		if err != nil {
			// Not one of ours; a stray file in the cache dir is not
			// an error.
			continue
		}
		key := string(raw)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// decompressingReader ties the zstd decoder's lifetime to the underlying
// file handle.
type decompressingReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *decompressingReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decompressingReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}
