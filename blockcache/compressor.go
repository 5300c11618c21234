package blockcache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// CompressionAlgorithm identifies an in-memory block codec. Disabled by
// default (spec.md's compression Non-goal): a Cache only compresses its
// resident buffers when one of these is explicitly selected via
// WithCompression. The on-disk block format never changes size —
// blocks always round-trip back to exactly BlockSize bytes before they
// reach the device.
type CompressionAlgorithm uint8

const (
	// CompressionNone disables the compressor hook entirely.
	CompressionNone CompressionAlgorithm = iota
	CompressionZstd
	CompressionXZ
)

// Compressor shrinks a full block for cache residency and restores it
// exactly. Adapted from teacher's comp.go/comp_xz.go/comp_zstd.go
// CompHandler registry, generalized from SquashFS's fixed
// fragment/block decompression to a symmetric compress/decompress pair
// operating on in-memory cache buffers only.
type Compressor interface {
	Compress(block []byte) ([]byte, error)
	Decompress(compressed []byte, size int) ([]byte, error)
}

var compressors = map[CompressionAlgorithm]Compressor{
	CompressionZstd: zstdCompressor{},
	CompressionXZ:   xzCompressor{},
}

func lookupCompressor(alg CompressionAlgorithm) (Compressor, error) {
	if alg == CompressionNone {
		return nil, nil
	}
	c, ok := compressors[alg]
	if !ok {
		return nil, fmt.Errorf("aegisfs: unknown cache compression algorithm %d", alg)
	}
	return c, nil
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(block []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(block, nil), nil
}

func (zstdCompressor) Decompress(compressed []byte, size int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, err
	}
	return out, nil
}

type xzCompressor struct{}

func (xzCompressor) Compress(block []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := xz.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(block); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (xzCompressor) Decompress(compressed []byte, size int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
