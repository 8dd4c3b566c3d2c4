// Package compress implements the pluggable, adaptive compression layer
// used for Forward payloads (spec section 4.2): a codec does the raw
// encode/decode, and Adaptive wraps it with the threshold and
// self-disabling heuristic that decides whether a given payload is worth
// compressing at all.
package compress

import "github.com/pkg/errors"

// ErrTooShort is returned by Codec.TryCompress when the caller should not
// bother compressing (e.g. the codec itself judges the input incompressible
// before doing any work). Adaptive's own threshold check makes this rare in
// practice, but codecs remain free to decline.
var ErrTooShort = errors.New("compress: payload too short to compress")

// Codec is one compression algorithm. Implementations must be safe for
// concurrent use only insofar as a Session never shares one across
// goroutines (spec section 3: "one compressor + one decompressor per
// session... Not shared across sessions").
type Codec interface {
	// TryCompress returns the compressed form of src, or ErrTooShort if the
	// codec declines.
	TryCompress(src []byte) ([]byte, error)

	// TryDecompress inflates src. maxSize bounds the accepted decompressed
	// size; exceeding it returns ErrDeclined. ZstdCodec rejects a frame whose
	// header declares an oversize content size before inflating it; a frame
	// without a declared size is inflated in full and checked afterwards.
	TryDecompress(src []byte, maxSize int) ([]byte, error)

	// Close releases codec resources (e.g. zstd's internal CGO-free but
	// still finalizer-sensitive encoder/decoder state).
	Close()
}

// ErrDeclined is returned by TryDecompress when the declared or realized
// decompressed size would exceed the caller's maxSize.
var ErrDeclined = errors.New("compress: decompressed size exceeds configured maximum")
