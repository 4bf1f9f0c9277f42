package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// maxDecodedSize is the hard cap during decompression to prevent
	// compression bombs. Enforced by the decoder itself so an oversized
	// payload is rejected before it is materialized.
	maxDecodedSize = 64 * 1024 * 1024

	frameRaw  = 0x00
	frameZstd = 0x01
)

var (
	// ErrDecompressionBomb is returned when decompressed size exceeds the cap.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorruptFrame is returned for payloads with an unknown frame byte.
	ErrCorruptFrame = errors.New("corrupt artifact frame")
)

// ArtifactCodec compresses derived artifacts before they land in the blob
// store. Encoder and decoder are goroutine-safe and reused across calls.
// The codec also keeps running totals so the cache can report a
// compression ratio.
type ArtifactCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	rawBytes    atomic.Int64
	storedBytes atomic.Int64
}

// NewArtifactCodec creates a codec with pooled zstd encoder/decoder.
func NewArtifactCodec() (*ArtifactCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ArtifactCodec{encoder: enc, decoder: dec}, nil
}

// Close releases codec resources.
func (c *ArtifactCodec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Encode frames the payload, compressing it when that actually helps.
// Small or incompressible payloads are stored raw.
func (c *ArtifactCodec) Encode(data []byte) []byte {
	out := make([]byte, 1, len(data)+1)

	if len(data) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(data, out[1:])
		if len(compressed) < len(data) {
			out[0] = frameZstd
			out = append(out, compressed...)
			c.record(len(data), len(out))
			return out
		}
	}

	out[0] = frameRaw
	out = append(out, data...)
	c.record(len(data), len(out))
	return out
}

// Decode reverses Encode.
func (c *ArtifactCodec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptFrame
	}
	switch data[0] {
	case frameRaw:
		return data[1:], nil
	case frameZstd:
		out, err := c.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing artifact: %w", err)
		}
		return out, nil
	default:
		return nil, ErrCorruptFrame
	}
}

func (c *ArtifactCodec) record(raw, stored int) {
	c.rawBytes.Add(int64(raw))
	c.storedBytes.Add(int64(stored))
}

// Ratio returns uncompressed bytes over stored bytes across the codec's
// lifetime. 1.0 before anything has been encoded. Diagnostic only.
func (c *ArtifactCodec) Ratio() float64 {
	stored := c.storedBytes.Load()
	if stored == 0 {
		return 1.0
	}
	return float64(c.rawBytes.Load()) / float64(stored)
}
