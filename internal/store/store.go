// Package store persists normalized images under namespaced directories
// on the local filesystem. There is no index: an image exists iff a file
// named <id>.<ext> exists for one of the known extensions.
package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/imageproc"
)

// ErrNotFound marks a resolve miss. It is an expected outcome, not a
// server-side failure.
var ErrNotFound = errors.New("image not found")

// ValidateSegment rejects namespace and image-id strings that could
// escape the storage tree: empty values, `..`, or `/`.
func ValidateSegment(s string) error {
	if s == "" || strings.Contains(s, "..") || strings.Contains(s, "/") {
		return fmt.Errorf("invalid path segment %q", s)
	}
	return nil
}

// Store writes, resolves, and deletes namespaced images.
type Store struct {
	imagesDir  string
	normalizer imageproc.Normalizer
	logger     *zap.Logger
}

// New creates a Store rooted at <uploadsPath>/images, creating the
// directory and verifying it is writable.
func New(uploadsPath string, normalizer imageproc.Normalizer, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(uploadsPath) == "" {
		return nil, fmt.Errorf("uploads path is required")
	}
	imagesDir := filepath.Join(uploadsPath, "images")
	if err := os.MkdirAll(imagesDir, 0o750); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	probe := filepath.Join(imagesDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("images directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up write probe: %w", err)
	}
	return &Store{imagesDir: imagesDir, normalizer: normalizer, logger: logger}, nil
}

// NewImageID generates a collision-resistant, non-enumerable image ID:
// a 128-bit UUID in hex joined to an 8-byte random suffix.
func NewImageID() (string, error) {
	id, err := newRandomID()
	if err != nil {
		return "", fmt.Errorf("generate image id: %w", err)
	}
	return id, nil
}

// SaveBase64 decodes a base64 payload, stripping an optional
// data:<mime>;base64, prefix, and saves it into the namespace.
func (s *Store) SaveBase64(namespace, payload string, maxDim int) (string, error) {
	if idx := strings.Index(payload, ";base64,"); idx >= 0 {
		payload = payload[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode base64 payload: %w", err)
	}
	return s.Save(namespace, data, maxDim)
}

// Save normalizes raw image bytes and writes them to
// <root>/images/<namespace>/<id>.<ext>, returning the generated ID.
// On any failure no file is left behind.
func (s *Store) Save(namespace string, data []byte, maxDim int) (string, error) {
	if err := ValidateSegment(namespace); err != nil {
		return "", err
	}
	normalized, format, err := s.normalizer.Normalize(data, maxDim)
	if err != nil {
		return "", fmt.Errorf("normalize image: %w", err)
	}

	dir := filepath.Join(s.imagesDir, namespace)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create namespace directory: %w", err)
	}
	id, err := NewImageID()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, id+"."+format.Extension())
	if err := os.WriteFile(path, normalized, 0o600); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write image file: %w", err)
	}
	s.logger.Info("image saved",
		zap.String("namespace", namespace),
		zap.String("image_id", id),
		zap.Int("bytes", len(normalized)),
	)
	return id, nil
}

// Resolve probes the namespace for <id>.<ext> across the known extensions
// in preference order, returning the path and media type of the first hit
// or ErrNotFound.
func (s *Store) Resolve(namespace, id string) (string, string, error) {
	if err := ValidateSegment(namespace); err != nil {
		return "", "", err
	}
	if err := ValidateSegment(id); err != nil {
		return "", "", err
	}
	for _, ext := range imageproc.KnownExtensions {
		path := filepath.Join(s.imagesDir, namespace, id+"."+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, imageproc.MediaTypeForExtension(ext), nil
		}
	}
	return "", "", ErrNotFound
}

// DeleteAll removes every known-extension image in the namespace and
// returns the number removed. Individual delete failures are logged and
// skipped. The emptied directory is removed best-effort; a namespace
// that never existed yields zero. Unknown files left in the directory
// block its removal without affecting the count.
func (s *Store) DeleteAll(namespace string) int {
	if err := ValidateSegment(namespace); err != nil {
		return 0
	}
	dir := filepath.Join(s.imagesDir, namespace)
	count := 0
	for _, ext := range imageproc.KnownExtensions {
		matches, err := filepath.Glob(filepath.Join(dir, "*."+ext))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil {
				s.logger.Error("image delete failed", zap.String("path", path), zap.Error(err))
				continue
			}
			count++
		}
	}
	_ = os.Remove(dir)
	s.logger.Info("namespace images deleted",
		zap.String("namespace", namespace),
		zap.Int("count", count),
	)
	return count
}
