package attachments

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalPrefix tags a file reference whose content was supplied inline.
const LocalPrefix = "local:"

// LocalRef returns the reference recorded for inline file content.
func LocalRef(name string) string {
	return LocalPrefix + name
}

// IsLocalRef reports whether ref was produced by LocalRef.
func IsLocalRef(ref string) bool {
	return strings.HasPrefix(ref, LocalPrefix)
}

// BlobStore keeps uploaded images and files on disk.
type BlobStore struct {
	dir string
}

// NewBlobStore creates dir if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

func (b *BlobStore) Dir() string { return b.dir }

// Store writes data under a sanitised form of suggestedName and returns the
// file path as its reference. An existing file of the same name gets a
// numeric suffix rather than being overwritten.
func (b *BlobStore) Store(data []byte, suggestedName string) (string, error) {
	name := SanitizeName(suggestedName)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(b.dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("writing %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("closing %s: %w", candidate, err)
		}
		return path, nil
	}
}

// Remove deletes a stored blob. References outside the store and local
// references are ignored.
func (b *BlobStore) Remove(ref string) error {
	if ref == "" || IsLocalRef(ref) {
		return nil
	}
	rel, err := filepath.Rel(b.dir, ref)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every stored blob and keeps the directory.
func (b *BlobStore) Clear() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("reading upload directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(b.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeName keeps only the base name and replaces anything outside
// [A-Za-z0-9._-] with '_'.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	s := strings.TrimLeft(sb.String(), ".")
	if s == "" {
		return "upload"
	}
	return s
}
