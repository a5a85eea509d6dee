// Package serialize carries the wire forms of the data plane: the msgpack
// encoding of array structures and requests, and the zstd compression
// wrapped around structure payloads.
package serialize

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor is a reusable ZStandard compressor. EncodeAll is goroutine-safe,
// so one Compressor may serve concurrent handlers.
type Compressor struct {
	encoder *zstd.Encoder
}

// NewCompressor creates a compressor at SpeedDefault. Call Close when done.
func NewCompressor() (*Compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Compressor{encoder: encoder}, nil
}

// Compress returns the ZStandard compression of data.
func (c *Compressor) Compress(data []byte) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Close releases encoder resources.
func (c *Compressor) Close() error {
	if c.encoder != nil {
		return c.encoder.Close()
	}
	return nil
}

// Decompressor is a reusable ZStandard decompressor. DecodeAll is
// goroutine-safe.
type Decompressor struct {
	decoder *zstd.Decoder
}

// NewDecompressor creates a decompressor. Call Close when done.
func NewDecompressor() (*Decompressor, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decompressor{decoder: decoder}, nil
}

// Decompress returns the decompressed form of compressed.
func (d *Decompressor) Decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return []byte{}, nil
	}
	out, err := d.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// Close releases decoder resources.
func (d *Decompressor) Close() {
	if d.decoder != nil {
		d.decoder.Close()
	}
}

var (
	sharedOnce         sync.Once
	sharedCompressor   *Compressor
	sharedDecompressor *Decompressor
	sharedErr          error
)

func shared() (*Compressor, *Decompressor, error) {
	sharedOnce.Do(func() {
		sharedCompressor, sharedErr = NewCompressor()
		if sharedErr != nil {
			return
		}
		sharedDecompressor, sharedErr = NewDecompressor()
	})
	return sharedCompressor, sharedDecompressor, sharedErr
}

// Compress compresses data with the shared package compressor.
func Compress(data []byte) ([]byte, error) {
	c, _, err := shared()
	if err != nil {
		return nil, err
	}
	return c.Compress(data), nil
}

// Decompress decompresses data with the shared package decompressor.
func Decompress(data []byte) ([]byte, error) {
	_, d, err := shared()
	if err != nil {
		return nil, err
	}
	return d.Decompress(data)
}
