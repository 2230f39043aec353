// Package artifacts manages the directory of generated files. Writes are
// append-only (a unique suffix keeps existing files untouched) and reads
// are restricted to sanitized names with whitelisted extensions.
package artifacts

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/maestro/pkg/config"
)

var (
	ErrInvalidName = errors.New("invalid artifact name")
	ErrNotFound    = errors.New("artifact not found")
	ErrExtBlocked  = errors.New("artifact extension not allowed")
	ErrTooLarge    = errors.New("artifact exceeds the size limit")
)

// maxArtifactSize caps a single write.
const maxArtifactSize = 32 << 20

// Info describes one stored artifact.
type Info struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the artifact directory.
type Store struct {
	dir     string
	allowed map[string]bool
}

// NewStore creates the directory if needed and builds the extension
// whitelist from configuration.
func NewStore(cfg config.ArtifactsConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &Store{dir: cfg.Dir, allowed: allowed}, nil
}

// Save writes data under a unique name derived from the requested one and
// returns the stored name. Existing files are never modified.
func (s *Store) Save(name string, data []byte) (string, error) {
	base, ext, err := s.splitName(name)
	if err != nil {
		return "", err
	}
	if len(data) > maxArtifactSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate artifact suffix: %w", err)
	}
	stored := fmt.Sprintf("%s_%s_%s%s",
		base,
		time.Now().UTC().Format("20060102T150405"),
		hex.EncodeToString(suffix),
		ext,
	)

	path := filepath.Join(s.dir, stored)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return stored, nil
}

// Open resolves a stored name to its path after sanitization. The returned
// path is always inside the artifact directory.
func (s *Store) Open(name string) (string, error) {
	if _, _, err := s.splitName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// List returns stored artifacts, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !s.allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:      entry.Name(),
			Size:      fi.Size(),
			CreatedAt: fi.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// splitName validates a client-supplied name and splits it into base and
// extension. Separators, traversal sequences and hidden files are rejected.
func (s *Store) splitName(name string) (base, ext string, err error) {
	if name == "" || name != filepath.Base(name) ||
		strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") ||
		strings.HasPrefix(name, ".") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ext = strings.ToLower(filepath.Ext(name))
	if ext == "" || !s.allowed[ext] {
		return "", "", fmt.Errorf("%w: %q", ErrExtBlocked, name)
	}
	return strings.TrimSuffix(name, filepath.Ext(name)), ext, nil
}
