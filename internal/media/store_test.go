package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreSave(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "http://localhost:8080/media")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	locator, err := s.Save([]byte("audio-bytes"), "wav")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(locator, "http://localhost:8080/media/") || !strings.HasSuffix(locator, ".wav") {
		t.Errorf("locator = %q", locator)
	}

	name := filepath.Base(locator)
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestStoreSaveNamed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "http://localhost:8080/media")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	locator, err := s.SaveNamed("fallback.wav", []byte("prerendered"))
	if err != nil {
		t.Fatalf("SaveNamed: %v", err)
	}
	if locator != "http://localhost:8080/media/fallback.wav" {
		t.Errorf("locator = %q", locator)
	}
	if _, err := os.Stat(filepath.Join(dir, "fallback.wav")); err != nil {
		t.Errorf("file missing: %v", err)
	}
}

// A locator must keep the absolute base URL intact: the carrier fetches it
// verbatim, so a collapsed scheme ("http:/host") is unplayable.
func TestStoreLocatorPreservesBaseURL(t *testing.T) {
	s, err := NewStore(t.TempDir(), "http://example.com/media/")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	tests := []struct {
		name string
		ext  string
	}{
		{"bare ext", "wav"},
		{"dotted ext", ".wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locator, err := s.Save([]byte("x"), tt.ext)
			if err != nil {
				t.Fatalf("Save: %v", err)
			}
			if !strings.HasPrefix(locator, "http://example.com/media/") {
				t.Errorf("locator = %q, base URL mangled", locator)
			}
			if !strings.HasSuffix(locator, ".wav") || strings.HasSuffix(locator, "..wav") {
				t.Errorf("locator = %q, bad extension", locator)
			}
		})
	}
}

func TestStoreCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "media")
	if _, err := NewStore(dir, "http://x/media"); err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("media dir not created: %v", err)
	}
}
