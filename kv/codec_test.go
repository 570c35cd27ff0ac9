package kv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, compress bool) *valueCodec {
	t.Helper()
	c, err := newValueCodec(compress)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCodecSmallValueStaysRaw(t *testing.T) {
	c := newTestCodec(t, true)

	value := []byte("small value")
	framed := c.Encode(value)

	require.Equal(t, byte(encodingRaw), framed[0])
	require.Equal(t, value, framed[1:])

	got, err := c.Decode(framed)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestCodecCompressesLargeValue(t *testing.T) {
	c := newTestCodec(t, true)

	// Highly compressible and well above the threshold.
	value := bytes.Repeat([]byte("trie node payload "), 1024)
	framed := c.Encode(value)

	require.Equal(t, byte(encodingZstd), framed[0])
	require.Less(t, len(framed), len(value))

	got, err := c.Decode(framed)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestCodecIncompressibleFallsBackToRaw(t *testing.T) {
	c := newTestCodec(t, true)

	// Pseudo-random bytes do not shrink under zstd.
	value := make([]byte, compressionThreshold*2)
	state := uint32(2463534242)
	for i := range value {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		value[i] = byte(state)
	}

	framed := c.Encode(value)
	require.Equal(t, byte(encodingRaw), framed[0])

	got, err := c.Decode(framed)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestCodecCompressionDisabled(t *testing.T) {
	c := newTestCodec(t, false)

	value := bytes.Repeat([]byte("compressible "), 1024)
	framed := c.Encode(value)
	require.Equal(t, byte(encodingRaw), framed[0])

	got, err := c.Decode(framed)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestCodecDecodeCrossMode(t *testing.T) {
	// A value written with compression on must decode with it off.
	writer := newTestCodec(t, true)
	reader := newTestCodec(t, false)

	value := bytes.Repeat([]byte("shared format "), 1024)
	framed := writer.Encode(value)
	require.Equal(t, byte(encodingZstd), framed[0])

	got, err := reader.Decode(framed)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestCodecDecodeInvalidFrame(t *testing.T) {
	c := newTestCodec(t, true)

	_, err := c.Decode(nil)
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = c.Decode([]byte{0xfe, 0x01, 0x02})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestCodecDecodeCorruptZstd(t *testing.T) {
	c := newTestCodec(t, true)

	_, err := c.Decode([]byte{encodingZstd, 0x00, 0x01, 0x02, 0x03})
	require.Error(t, err)
}
