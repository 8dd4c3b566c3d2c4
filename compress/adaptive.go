package compress

import "sync/atomic"

// TraceTries is the number of compression attempts Adaptive samples before
// it judges whether the stream is worth compressing at all (spec section
// 4.2's TRACE_TRIES = 32).
const TraceTries = 32

// disableRatio: if fewer than total/disableRatio attempts compressed
// favorably within the first TraceTries, compression is disabled for the
// rest of the session. Spec: "if compressed_hits < total / 4".
const disableRatio = 4

// Adaptive wraps a Codec with the threshold and self-disabling heuristic a
// Session applies to every outgoing Forward. One Adaptive belongs to
// exactly one session's one direction of traffic; its counters must not be
// shared across sessions (spec section 9's "adaptive compression counters"
// redesign note).
type Adaptive struct {
	codec     Codec
	threshold int

	tries           int64
	compressedHits  int64
	uncompressedHits int64
	disabled        atomic.Bool
}

// NewAdaptive builds an Adaptive around codec with the configured
// threshold (compression.zstd.threshold, ≥1 byte: payloads shorter than
// this are never even attempted).
func NewAdaptive(codec Codec, threshold int) *Adaptive {
	return &Adaptive{codec: codec, threshold: threshold}
}

// Compress decides whether to compress payload, following spec section
// 4.2's three-step policy:
//  1. below threshold -> send uncompressed
//  2. compress; if the result isn't smaller -> send uncompressed
//  3. otherwise -> send compressed
//
// It returns the bytes to put on the wire and whether they are compressed.
// Payloads below the threshold return before any sampling, so they never
// count toward TraceTries: a stream of all-short payloads never trips the
// disable heuristic at all (there was nothing to learn from).
func (a *Adaptive) Compress(payload []byte) (out []byte, compressed bool) {
	if len(payload) < a.threshold || a.disabled.Load() {
		return payload, false
	}

	compressedBytes, err := a.codec.TryCompress(payload)
	tries := atomic.AddInt64(&a.tries, 1)
	if err != nil || len(compressedBytes) >= len(payload) {
		atomic.AddInt64(&a.uncompressedHits, 1)
		a.maybeDisable(tries)
		return payload, false
	}
	hits := atomic.AddInt64(&a.compressedHits, 1)
	_ = hits
	a.maybeDisable(tries)
	return compressedBytes, true
}

// maybeDisable implements the one-shot evaluation at the TraceTries'th
// attempt: past that point the decision is made for the rest of the
// session and counters stop mattering.
func (a *Adaptive) maybeDisable(tries int64) {
	if tries != TraceTries {
		return
	}
	hits := atomic.LoadInt64(&a.compressedHits)
	if hits < TraceTries/disableRatio {
		a.disabled.Store(true)
	}
}

// Disabled reports whether the self-disable heuristic has fired.
func (a *Adaptive) Disabled() bool { return a.disabled.Load() }

// Decompress inflates src via the wrapped codec, bounding the result to
// maxSize (spec section 4.2: "reject any blob whose declared decompressed
// size exceeds the configured max_uncompressed_size").
func (a *Adaptive) Decompress(src []byte, maxSize int) ([]byte, error) {
	return a.codec.TryDecompress(src, maxSize)
}

func (a *Adaptive) Close() { a.codec.Close() }
