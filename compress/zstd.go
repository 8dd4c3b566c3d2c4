package compress

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ZstdCodec is the Codec backed by github.com/klauspost/compress/zstd. It
// owns one encoder and one decoder, matching the "tagged variant, not
// virtual dispatch" redesign note (spec section 9): fluxus only ever
// instantiates this one concrete type per session, never a Codec selected
// dynamically at runtime.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a codec at the given encoder level (spec's
// compression.zstd.level, ≥1). Levels beyond zstd.SpeedBestCompression
// clamp down rather than error, since a misconfigured level shouldn't take
// a session down.
func NewZstdCodec(level int) (*ZstdCodec, error) {
	zl := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
	if err != nil {
		return nil, errors.Wrap(err, "compress: new zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "compress: new zstd decoder")
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) TryCompress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src))), nil
}

func (c *ZstdCodec) TryDecompress(src []byte, maxSize int) ([]byte, error) {
	if maxSize > 0 {
		if sz, ok := decodedSizeHint(src); ok && sz > uint64(maxSize) {
			return nil, ErrDeclined
		}
	}
	out, err := c.dec.DecodeAll(src, make([]byte, 0, len(src)*2))
	if err != nil {
		return nil, errors.Wrap(err, "compress: zstd decode")
	}
	if maxSize > 0 && len(out) > maxSize {
		return nil, ErrDeclined
	}
	return out, nil
}

func (c *ZstdCodec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// decodedSizeHint reads the zstd frame header's content size field when
// present, letting TryDecompress reject an oversize frame before it
// allocates the output buffer. A missing or streaming-mode frame (no
// declared size) returns ok=false and the size is checked after the fact
// instead.
func decodedSizeHint(frame []byte) (uint64, bool) {
	var header zstd.Header
	if err := header.Decode(frame); err != nil {
		return 0, false
	}
	if !header.HasFCS {
		return 0, false
	}
	return header.FrameContentSize, true
}
