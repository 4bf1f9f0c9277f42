package store

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *ArtifactCodec {
	t.Helper()
	c, err := NewArtifactCodec()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCodecSmallPayloadStoredRaw(t *testing.T) {
	c := newTestCodec(t)
	data := []byte("small payload")

	encoded := c.Encode(data)
	require.Equal(t, byte(frameRaw), encoded[0])
	require.Equal(t, data, encoded[1:])

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecLargePayloadCompressed(t *testing.T) {
	c := newTestCodec(t)
	data := bytes.Repeat([]byte("highly repetitive text "), 400)

	encoded := c.Encode(data)
	require.Equal(t, byte(frameZstd), encoded[0])
	require.Less(t, len(encoded), len(data))

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecIncompressiblePayloadStoredRaw(t *testing.T) {
	c := newTestCodec(t)
	data := make([]byte, 8192)
	_, err := rand.Read(data)
	require.NoError(t, err)

	encoded := c.Encode(data)
	require.Equal(t, byte(frameRaw), encoded[0])

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestCodecDecodeCorruptFrame(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Decode(nil)
	require.ErrorIs(t, err, ErrCorruptFrame)

	_, err = c.Decode([]byte{0xff, 0x01, 0x02})
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestCodecDecodeRejectsOversizedPayload(t *testing.T) {
	c := newTestCodec(t)

	// Zeros compress to almost nothing, so the encoded frame is tiny while
	// the decoded size exceeds the cap. The decoder must refuse to
	// materialize it.
	encoded := c.Encode(make([]byte, maxDecodedSize+1))
	require.Equal(t, byte(frameZstd), encoded[0])

	_, err := c.Decode(encoded)
	require.ErrorIs(t, err, ErrDecompressionBomb)
}

func TestCodecRatio(t *testing.T) {
	c := newTestCodec(t)
	require.Equal(t, 1.0, c.Ratio())

	c.Encode(bytes.Repeat([]byte("compress me please "), 400))
	require.Greater(t, c.Ratio(), 1.0)
}
