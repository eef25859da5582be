// Package blob stores the backing audio files of library items on the
// local filesystem, mirroring the tree's relative paths under a single
// root. Writes land in a temp area and are moved into place atomically,
// so a cancelled or failed transfer never leaves a partial file at the
// final path.
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	dirPerm = fs.FileMode(0o755)

	// tmpDirName holds in-flight transfer files inside the store root,
	// kept on the same filesystem so promotion is a rename, not a copy.
	tmpDirName = ".tmp"
)

// Store is a filesystem blob store rooted at a single directory.
type Store struct {
	root string
}

// NewStore creates the store root (and its temp area) if absent. The
// root must be an absolute path.
func NewStore(root string) (*Store, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("blob store root must be absolute, got %q", root)
	}

	if err := os.MkdirAll(filepath.Join(root, tmpDirName), dirPerm); err != nil {
		return nil, fmt.Errorf("creating blob store root: %w", err)
	}

	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// resolve converts an item-relative path to an absolute path under the
// root, rejecting anything that would escape it.
func (s *Store) resolve(relPath string) (string, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(relPath))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside blob root", relPath)
	}

	return abs, nil
}

// ItemPath returns the absolute backing path for an item.
func (s *Store) ItemPath(relPath string) (string, error) {
	return s.resolve(relPath)
}

// EnsureItemDir creates the backing folder for a container item.
func (s *Store) EnsureItemDir(relPath string) error {
	abs, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return fmt.Errorf("creating backing folder for %q: %w", relPath, err)
	}

	return nil
}

// CreateTemp opens a fresh file in the temp area for an in-flight
// transfer. The caller promotes or discards it.
func (s *Store) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "transfer-*")
	if err != nil {
		return nil, fmt.Errorf("creating transfer temp file: %w", err)
	}

	return f, nil
}

// Promote atomically moves a completed temp file to its final backing
// path, creating parent directories as needed. A source on another
// filesystem (an inbox directory lives wherever the user mounts it)
// is copied through the store's temp area so the final path still
// appears in one rename.
func (s *Store) Promote(tmpPath, relPath string) error {
	abs, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
		return fmt.Errorf("creating parent of %q: %w", relPath, err)
	}

	err = os.Rename(tmpPath, abs)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("promoting %q into place: %w", relPath, err)
	}

	if err := s.copyIn(tmpPath, abs); err != nil {
		return fmt.Errorf("promoting %q across filesystems: %w", relPath, err)
	}

	_ = os.Remove(tmpPath)

	return nil
}

// copyIn stages a cross-device source in the temp area and renames it
// into place.
func (s *Store) copyIn(src, abs string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := s.CreateTemp()
	if err != nil {
		return err
	}

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		s.Discard(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		s.Discard(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), abs); err != nil {
		s.Discard(tmp.Name())
		return err
	}

	return nil
}

// Discard removes an abandoned temp file. Missing files are fine: a
// failed promote may have consumed it.
func (s *Store) Discard(tmpPath string) {
	_ = os.Remove(tmpPath)
}

// Exists reports whether the item has a backing file or folder.
func (s *Store) Exists(relPath string) bool {
	abs, err := s.resolve(relPath)
	if err != nil {
		return false
	}

	_, err = os.Stat(abs)

	return err == nil
}

// Open opens an item's backing file for reading.
func (s *Store) Open(relPath string) (*os.File, error) {
	abs, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening backing file for %q: %w", relPath, err)
	}

	return f, nil
}

// RemoveItem deletes an item's backing file or folder, recursively.
// Removing an item that was never downloaded is a no-op.
func (s *Store) RemoveItem(relPath string) error {
	abs, err := s.resolve(relPath)
	if err != nil {
		return err
	}

	if abs == s.root {
		return fmt.Errorf("refusing to remove blob store root")
	}

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("removing backing files for %q: %w", relPath, err)
	}

	return nil
}

// MoveItem relocates an item's backing files when the tree item moves.
// An item with no local copy moves trivially.
func (s *Store) MoveItem(oldRel, newRel string) error {
	oldAbs, err := s.resolve(oldRel)
	if err != nil {
		return err
	}

	newAbs, err := s.resolve(newRel)
	if err != nil {
		return err
	}

	if _, err := os.Stat(oldAbs); os.IsNotExist(err) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), dirPerm); err != nil {
		return fmt.Errorf("creating parent of %q: %w", newRel, err)
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return fmt.Errorf("moving backing files %q -> %q: %w", oldRel, newRel, err)
	}

	return nil
}
