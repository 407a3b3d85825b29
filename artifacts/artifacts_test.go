package artifacts

import (
	"errors"
	"os"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	in := map[string]any{"segments": []any{}}
	if err := s.Write("job-1", Merged, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.Exists("job-1", Merged) {
		t.Fatal("expected merged artifact to exist")
	}

	var out map[string]any
	if err := s.Read("job-1", Merged, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := out["segments"]; !ok {
		t.Fatalf("unexpected artifact %v", out)
	}

	if err := s.Read("job-1", Transcript, &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read missing = %v, want ErrNotFound", err)
	}
}

func TestDetachRestoreAndPurge(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Write("job-2", Transcript, map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	restore, _, err := s.Detach("job-2")
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if s.Exists("job-2", Transcript) {
		t.Fatal("artifact visible while detached")
	}
	if err := restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !s.Exists("job-2", Transcript) {
		t.Fatal("artifact missing after restore")
	}

	_, purge, err := s.Detach("job-2")
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty root, found %d entries", len(entries))
	}
}

func TestDetachMissingDirIsNoop(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	restore, purge, err := s.Detach("never-written")
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
}
