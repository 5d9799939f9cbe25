// Package detector classifies how a watched file changed since its content was
// last ingested, re-reading only the previously ingested prefix.
package detector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jamesainslie/hindsight/pkg/hindsight/hasher"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Detector compares a file on disk against its recorded FileState.
type Detector struct {
	hasher *hasher.Hasher
}

// New returns a Detector using h for prefix digests.
func New(h *hasher.Hasher) *Detector {
	return &Detector{hasher: h}
}

// Detect classifies the current state of path relative to prev.
//
// A nil prev, or one recorded with a zero size, is a first sighting and is
// reported as Append from offset zero. Otherwise the digest of the first
// prev.LastOffset bytes is recomputed: a match with an unchanged size is
// Unchanged, a match with a larger size is Append, and anything else,
// including a shrunken file, is Rewrite.
//
// The returned size is the current on-disk size.
func (d *Detector) Detect(path string, prev *types.FileState) (types.ChangeType, uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.Unchanged, 0, fmt.Errorf("%w: %s", hasher.ErrNotFound, path)
		}
		return types.Unchanged, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return types.Unchanged, 0, fmt.Errorf("%w: %s", hasher.ErrIsDirectory, path)
	}
	size := uint64(info.Size())

	if prev == nil || prev.FileSize == 0 {
		return types.Append, size, nil
	}

	if size < prev.FileSize {
		return types.Rewrite, size, nil
	}

	prefix, err := d.hasher.HashPrefix(path, prev.LastOffset)
	if err != nil {
		return types.Unchanged, size, err
	}
	if prefix != prev.PartialHash {
		return types.Rewrite, size, nil
	}

	if size == prev.FileSize {
		return types.Unchanged, size, nil
	}
	return types.Append, size, nil
}
