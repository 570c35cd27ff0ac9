package kv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum value size before compression is
	// attempted. Below it the zstd overhead outweighs any saving.
	compressionThreshold = 2048

	// maxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs from corrupt or hostile store contents.
	maxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// Value frame tags. Every stored value carries a one-byte tag so a
	// store written with compression enabled stays readable with it off.
	encodingRaw  = 0x00
	encodingZstd = 0x01
)

var (
	// ErrDecompressionBomb is returned when decompressed size exceeds the cap.
	ErrDecompressionBomb = errors.New("kv: decompressed value exceeds maximum size")

	// ErrInvalidFrame is returned when a stored value has no recognisable frame.
	ErrInvalidFrame = errors.New("kv: invalid value frame")
)

// valueCodec frames stored values and optionally compresses them.
// Encoder and decoder are goroutine-safe and shared across operations.
type valueCodec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	mu       sync.RWMutex
}

func newValueCodec(compress bool) (*valueCodec, error) {
	c := &valueCodec{compress: compress}

	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.encoder = enc
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		if c.encoder != nil {
			c.encoder.Close()
		}
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c.decoder = dec

	return c, nil
}

// Close releases encoder/decoder resources.
func (c *valueCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames value for storage, compressing when it pays off.
func (c *valueCodec) Encode(value []byte) []byte {
	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if !c.compress || enc == nil || len(value) < compressionThreshold {
		return c.raw(value)
	}

	compressed := enc.EncodeAll(value, make([]byte, 1, len(value)/2+1))
	compressed[0] = encodingZstd
	if len(compressed) >= len(value)+1 {
		return c.raw(value)
	}
	return compressed
}

func (c *valueCodec) raw(value []byte) []byte {
	framed := make([]byte, 1+len(value))
	framed[0] = encodingRaw
	copy(framed[1:], value)
	return framed
}

// Decode unframes a stored value, decompressing if needed.
func (c *valueCodec) Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, ErrInvalidFrame
	}

	switch framed[0] {
	case encodingRaw:
		return append([]byte(nil), framed[1:]...), nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("kv: decoder not initialized")
		}
		value, err := dec.DecodeAll(framed[1:], nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidFrame, framed[0])
	}
}
