package firmware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"flashguard/internal/flash"
)

// FileSystemSource reads firmware from a directory tree:
//
//	<root>/
//	  <version>/
//	    manifest.json
//	    firmware.bin
type FileSystemSource struct {
	root string
}

// NewFileSystemSource creates a source rooted at root, creating the
// directory if needed.
func NewFileSystemSource(root string) (*FileSystemSource, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create firmware directory: %w", err)
	}
	return &FileSystemSource{root: root}, nil
}

// Publish writes the image first and the manifest last, each atomically,
// so a reader never sees a manifest without its image.
func (s *FileSystemSource) Publish(_ context.Context, m flash.Manifest, content []byte) error {
	m, err := completeManifest(m, content)
	if err != nil {
		return err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, m.Version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}
	if err := writeFile(filepath.Join(dir, imageName), bytes.NewReader(content), int64(len(content))); err != nil {
		return fmt.Errorf("writing image for %s: %w", m.Version, err)
	}
	if err := writeFile(filepath.Join(dir, manifestName), bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("writing manifest for %s: %w", m.Version, err)
	}
	return nil
}

func (s *FileSystemSource) Fetch(ctx context.Context, ref string) (*flash.FirmwareArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, ref)
	manifest, err := readFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("firmware %s manifest: %w", ref, err)
	}
	image, err := readFile(filepath.Join(dir, imageName))
	if err != nil {
		return nil, fmt.Errorf("firmware %s image: %w", ref, err)
	}
	return buildArtifact(ref, manifest, image)
}

func (s *FileSystemSource) Versions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing firmware: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), manifestName)); err == nil {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// ValidateSetup verifies that the firmware root is an accessible directory.
func (s *FileSystemSource) ValidateSetup() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("firmware root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("firmware root is not a directory: %s", s.root)
	}
	return nil
}

// writeFile writes data from r to destPath through a temp file in the same
// directory and a rename.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, flash.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

var _ Source = (*FileSystemSource)(nil)
