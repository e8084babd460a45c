// Package artifact defines the artifact-sink collaborator contract and a
// filesystem implementation used by the local runner.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink receives artifacts published by steps. Publication is gated by the
// same guard-condition mechanism as any other step work.
type Sink interface {
	Publish(ctx context.Context, path, name string) error
}

// FSSink copies published artifacts into a run-scoped directory.
type FSSink struct {
	dir string
}

// NewFSSink opens (creating if needed) a sink rooted at dir.
func NewFSSink(dir string) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("opening artifact sink: %w", err)
	}
	return &FSSink{dir: dir}, nil
}

// Publish implements Sink. Files are copied; directories are copied
// recursively under the artifact name.
func (s *FSSink) Publish(ctx context.Context, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("publishing artifact %q: %w", name, err)
	}
	dest := filepath.Join(s.dir, name)
	if info.IsDir() {
		return copyTree(path, dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("publishing artifact %q: %w", name, err)
	}
	return copyFile(path, filepath.Join(dest, filepath.Base(path)))
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
