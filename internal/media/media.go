// Package media stages uploaded files on disk before they are sent.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyName is returned for uploads without a usable file name.
	ErrEmptyName = errors.New("media: empty file name")
	// ErrUnsupportedType is returned for extensions the driver cannot send.
	ErrUnsupportedType = errors.New("media: unsupported file type")
)

var allowedExt = map[string]bool{
	"avi": true, "mp4": true, "png": true, "jpg": true, "jpeg": true,
	"gif": true, "mp3": true, "doc": true, "docx": true, "pdf": true,
}

// Allowed reports whether name has a sendable extension.
func Allowed(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return allowedExt[strings.ToLower(ext)]
}

// Store keeps one upload directory per client under Root.
type Store struct {
	Root string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{Root: dir}
}

// Dir returns clientID's upload directory. clientID must already be validated.
func (s *Store) Dir(clientID string) string {
	return filepath.Join(s.Root, clientID)
}

// Save writes r to clientID's directory under a sanitised version of name
// and returns the absolute path. Existing files with the same name are
// replaced atomically.
func (s *Store) Save(clientID, name string, r io.Reader) (string, error) {
	clean := SanitizeName(name)
	if clean == "" {
		return "", ErrEmptyName
	}
	if !Allowed(clean) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, clean)
	}
	dir := s.Dir(clientID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("media: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("media: create temp: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("media: write %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("media: close %s: %w", clean, err)
	}

	path := filepath.Join(dir, clean)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("media: finalize %s: %w", clean, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// UniqueName returns name, or name with a numeric suffix before its
// extension, such that the result is not in taken. The result is added to
// taken. Callers staging several uploads in one request use it so that
// same-named files do not replace each other.
func UniqueName(name string, taken map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
	taken[candidate] = true
	return candidate
}

// Purge deletes clientID's upload directory.
func (s *Store) Purge(clientID string) error {
	if err := os.RemoveAll(s.Dir(clientID)); err != nil {
		return fmt.Errorf("media: purge %s: %w", clientID, err)
	}
	return nil
}

// SanitizeName reduces name to a safe base name of letters, digits, dot,
// dash and underscore. Other characters become underscores and leading
// dots are stripped.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	return out
}
