// Package compress compresses raw log snapshots before they are stored. The
// codec tag is persisted alongside the data so snapshots written with one
// setting remain readable after the setting changes.
package compress

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression algorithm. Values are stored in the catalog
// and must not be renumbered.
type Codec uint8

const (
	None Codec = 0
	LZ4  Codec = 1
	Zstd Codec = 2
)

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Parse returns the codec named s.
func Parse(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", s)
	}
}

var errIncompressible = errors.New("incompressible")

var zstdCodec = sync.OnceValues(func() (*zstdPair, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdPair{enc: enc, dec: dec}, nil
})

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
type zstdPair struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Compress encodes data with c. When compression does not shrink the data
// the input is returned unchanged with None, so callers must store the
// returned codec rather than the requested one.
func Compress(data []byte, c Codec) ([]byte, Codec, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case None:
		return data, None, nil
	case LZ4:
		out, err = compressLZ4(data)
	case Zstd:
		out, err = compressZstd(data)
	default:
		return nil, None, fmt.Errorf("unsupported codec %d", uint8(c))
	}
	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, None, err
	}
	return out, c, nil
}

// Decompress reverses Compress. size is the original length and is verified.
func Decompress(data []byte, c Codec, size int) ([]byte, error) {
	switch c {
	case None:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed snapshot: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case LZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case Zstd:
		pair, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		out, err := pair.dec.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec %d", uint8(c))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	pair, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	out := pair.enc.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
