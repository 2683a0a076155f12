// Package rangestore keeps range payloads on the origin filesystem, one file per range id,
// until the retention sweeper deletes them.
package rangestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

var ErrInvalidRangeID = errors.New("invalid range id")

type Store struct {
	root string
}

// New creates the store rooted at dir, creating the directory if needed. A leading ~ is
// expanded to the user's home directory.
func New(dir string) (*Store, error) {
	root, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding range store dir %s: %w", dir, err)
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating range store dir %s: %w", root, err)
	}

	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) pathFor(rangeID string) (string, error) {
	if rangeID == "" || strings.ContainsAny(rangeID, `/\`) || rangeID == "." || rangeID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRangeID, rangeID)
	}

	// Two levels of fan out so a busy origin doesn't end up with one huge directory.
	if len(rangeID) >= 4 {
		return filepath.Join(s.root, rangeID[0:2], rangeID[2:4], rangeID), nil
	}

	return filepath.Join(s.root, rangeID), nil
}

// Write stores the payload for rangeID. The file appears atomically so a crash never leaves
// a partial payload behind under the range's name.
func (s *Store) Write(rangeID string, payload []byte) error {
	path, err := s.pathFor(rangeID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+rangeID+"-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing payload for range %s: %w", rangeID, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func (s *Store) Read(rangeID string) ([]byte, error) {
	path, err := s.pathFor(rangeID)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

// Delete removes the payload. Deleting a payload that is already gone is not an error.
func (s *Store) Delete(rangeID string) error {
	path, err := s.pathFor(rangeID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (s *Store) Exists(rangeID string) bool {
	path, err := s.pathFor(rangeID)
	if err != nil {
		return false
	}

	_, err = os.Stat(path)
	return err == nil
}
