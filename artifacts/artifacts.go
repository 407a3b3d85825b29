// Package artifacts keeps each job's JSON outputs in a directory named after
// the job id. Records refer to artifacts by job id only, so the root can move
// without touching the database.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Kind string

const (
	Transcript  Kind = "transcript"
	Diarization Kind = "diarization"
	Merged      Kind = "merged"
)

var ErrNotFound = errors.New("artifact not found")

const tombstonePrefix = ".deleting-"

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case Transcript, Diarization, Merged:
		return k, true
	}
	return "", false
}

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", abs, err)
	}

	s := &Store{root: abs}
	s.sweepTombstones()
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) dir(jobID string) string {
	return filepath.Join(s.root, filepath.Base(jobID))
}

func (s *Store) Path(jobID string, kind Kind) string {
	return filepath.Join(s.dir(jobID), string(kind)+".json")
}

// Write stores v as the job's artifact of the given kind. The file appears
// atomically: readers see either nothing or the complete document.
func (s *Store) Write(jobID string, kind Kind, v any) error {
	dir := s.dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, string(kind)+"-*.json")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", kind, err)
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp %s: %w", kind, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(jobID, kind)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", kind, err)
	}

	return nil
}

func (s *Store) Read(jobID string, kind Kind, v any) error {
	f, err := os.Open(s.Path(jobID, kind))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", kind, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// Exists reports whether the artifact file is present on disk.
func (s *Store) Exists(jobID string, kind Kind) bool {
	_, err := os.Stat(s.Path(jobID, kind))
	return err == nil
}

// Detach moves the job directory out of sight. restore undoes the move, purge
// deletes the moved directory for good. A job without a directory yields
// no-op funcs.
func (s *Store) Detach(jobID string) (restore func() error, purge func() error, err error) {
	dir := s.dir(jobID)
	tomb := filepath.Join(s.root, tombstonePrefix+filepath.Base(jobID))

	if err := os.Rename(dir, tomb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			noop := func() error { return nil }
			return noop, noop, nil
		}
		return nil, nil, fmt.Errorf("detach job dir: %w", err)
	}

	restore = func() error {
		if err := os.Rename(tomb, dir); err != nil {
			return fmt.Errorf("restore job dir: %w", err)
		}
		return nil
	}
	purge = func() error {
		if err := os.RemoveAll(tomb); err != nil {
			return fmt.Errorf("purge job dir: %w", err)
		}
		return nil
	}
	return restore, purge, nil
}

// sweepTombstones finishes deletes interrupted by a crash.
func (s *Store) sweepTombstones() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), tombstonePrefix) {
			_ = os.RemoveAll(filepath.Join(s.root, e.Name()))
		}
	}
}
