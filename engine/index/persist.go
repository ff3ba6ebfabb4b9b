package index

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CampusChat/campuschat/engine/domain"
)

// snapshotVersion guards the on-disk layout. Bump on incompatible change.
const snapshotVersion = 1

// snapshot is the gob-encoded persisted form of an Index.
type snapshot struct {
	Version int
	Dim     int
	Entries []EmbeddedChunk
}

// Save serializes the full embedded-chunk set to path so the corpus does
// not need re-embedding on restart. The write goes through a temp file and
// an atomic rename.
func (ix *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("index: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("index: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(snapshot{Version: snapshotVersion, Dim: ix.dim, Entries: ix.entries}); err != nil {
		tmp.Close()
		return fmt.Errorf("index: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("index: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("index: rename: %w", err)
	}
	return nil
}

// Load reads a persisted index from path. A corrupt file or an unknown
// snapshot version is ErrIncompatibleIndex; callers treat that as fatal
// rather than silently rebuilding over corruption.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("index: decode %s: %v: %w", path, err, domain.ErrIncompatibleIndex)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("index: snapshot version %d (want %d): %w", snap.Version, snapshotVersion, domain.ErrIncompatibleIndex)
	}
	if snap.Dim <= 0 || len(snap.Entries) == 0 {
		return nil, fmt.Errorf("index: empty or dimensionless snapshot: %w", domain.ErrIncompatibleIndex)
	}
	for _, e := range snap.Entries {
		if len(e.Vector) != snap.Dim {
			return nil, fmt.Errorf("index: entry dimension %d differs from snapshot dimension %d: %w",
				len(e.Vector), snap.Dim, domain.ErrIncompatibleIndex)
		}
	}
	return &Index{dim: snap.Dim, entries: snap.Entries}, nil
}
