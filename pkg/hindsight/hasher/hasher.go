// Package hasher computes content digests used as deduplication identity.
// Whole-file digests identify content regardless of path; prefix digests
// fingerprint the portion of a file that has already been ingested.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
	"github.com/zeebo/blake3"
)

// ChunkSize is the read buffer size used when streaming files.
const ChunkSize = 64 * 1024

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

var (
	// ErrNotFound is returned when the file to hash does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrIsDirectory is returned when the path to hash is a directory.
	ErrIsDirectory = errors.New("path is a directory")
)

// Hasher produces hex digests with a fixed algorithm.
type Hasher struct {
	algo Algorithm
}

// New returns a Hasher for the named algorithm. An empty name selects SHA-256.
func New(algo string) (*Hasher, error) {
	switch a := Algorithm(strings.ToLower(algo)); a {
	case "", SHA256:
		return &Hasher{algo: SHA256}, nil
	case BLAKE3:
		return &Hasher{algo: BLAKE3}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}

// Default returns a SHA-256 hasher.
func Default() *Hasher {
	return &Hasher{algo: SHA256}
}

// Algorithm returns the configured algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

// NewHash returns a fresh streaming hash for the configured algorithm.
func (h *Hasher) NewHash() hash.Hash {
	if h.algo == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Sum encodes the current state of a hash returned by NewHash.
func Sum(hh hash.Hash) types.Digest {
	return types.Digest(hex.EncodeToString(hh.Sum(nil)))
}

// HashBytes hashes an in-memory buffer.
func (h *Hasher) HashBytes(content []byte) types.Digest {
	hh := h.NewHash()
	hh.Write(content)
	return Sum(hh)
}

// HashFile hashes the complete content of the file at path.
func (h *Hasher) HashFile(path string) (types.Digest, error) {
	f, err := openRegular(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hh := h.NewHash()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(hh, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return Sum(hh), nil
}

// HashPrefix hashes the first upTo bytes of the file at path. If the file is
// shorter than upTo, the digest covers whatever bytes exist.
func (h *Hasher) HashPrefix(path string, upTo uint64) (types.Digest, error) {
	f, err := openRegular(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hh := h.NewHash()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(hh, io.LimitReader(f, int64(upTo)), buf); err != nil {
		return "", fmt.Errorf("hashing prefix of %s: %w", path, err)
	}
	return Sum(hh), nil
}

func openRegular(path string) (*os.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	return f, nil
}
