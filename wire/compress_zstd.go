package wire

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor is the default Compressor, backed by klauspost/compress's
// zstd implementation for on-wire compression. Encoders and decoders are
// expensive to construct, so one of each is kept and reused under a
// mutex rather than built per call.
type ZstdCompressor struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor builds a ready-to-use compressor at the given level.
// A zero level selects zstd.SpeedDefault.
func NewZstdCompressor(level zstd.EncoderLevel) (*ZstdCompressor, error) {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Compress(payload []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.enc.EncodeAll(payload, make([]byte, 0, len(payload))), nil
}

func (z *ZstdCompressor) Decompress(payload []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.dec.DecodeAll(payload, nil)
}

// Close releases the underlying encoder/decoder resources.
func (z *ZstdCompressor) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.enc.Close()
	z.dec.Close()
	return nil
}
