package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes synthesized audio to a local directory and hands out locator
// URLs the telephony layer can play back (served under baseURL).
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates a media store rooted at dir, served under baseURL
// (e.g. "http://host/media"). The directory is created if missing.
func NewStore(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the backing directory, for mounting a file server.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes audio bytes under a fresh name and returns its locator. The
// extension may be given with or without the leading dot.
func (s *Store) Save(data []byte, ext string) (string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return s.SaveNamed(uuid.NewString()+ext, data)
}

// SaveNamed writes audio bytes under a fixed name, overwriting any previous
// file. Used for the pre-rendered fallback and closing messages.
func (s *Store) SaveNamed(name string, data []byte) (string, error) {
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return s.baseURL + "/" + name, nil
}
