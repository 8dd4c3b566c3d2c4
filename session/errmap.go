package session

import (
	"fmt"

	"github.com/fluxusproxy/fluxus/wire"
)

// Tier is the two-way split of spec section 7's error handling design.
type Tier uint8

const (
	// NonCritical errors get an Error packet written back; the session
	// keeps running.
	NonCritical Tier = iota
	// Critical errors get a best-effort Error packet, then the
	// connection closes.
	Critical
)

// Kind enumerates every business-logic and framing condition a session can
// raise internally, so the kind -> (wire code, tier) mapping below is one
// exhaustive switch rather than scattered decisions at each call site
// (spec section 9's redesign note: "Error-to-packet mapping should be a
// total function... verified by an exhaustive match").
type Kind uint8

const (
	KindUnknownPacket Kind = iota
	KindTruncatedFrame
	KindOversizePayload
	KindWrongPassword
	KindPasswordDisabled
	KindNoRights
	KindAlreadyCreated
	KindBindFailed
	KindUnexpectedPacket
	KindHTTPUnsupported
)

// Error is the error value every session handler returns for a condition
// that maps to a wire Error packet, as opposed to a raw I/O failure (which
// a handler returns unwrapped and which is always Critical with no
// further write attempted, since the writer itself is presumed broken).
type Error struct {
	Kind Kind
}

func (e *Error) Error() string { return fmt.Sprintf("session: %v", e.Kind) }

func newErr(k Kind) *Error { return &Error{Kind: k} }

// classify is the exhaustive kind -> (code, tier) function. The default
// case panics rather than silently picking a tier, so adding a Kind
// without updating this switch fails loudly instead of mis-classifying.
func classify(k Kind) (wire.ErrorCode, Tier) {
	switch k {
	case KindUnknownPacket:
		return wire.ErrUnknownPacket, Critical
	case KindTruncatedFrame:
		// spec.md has no distinct wire code for "truncated frame"; it
		// reuses UnknownPacket as the generic framing-failure code.
		return wire.ErrUnknownPacket, Critical
	case KindOversizePayload:
		return wire.ErrTooLongCompressedBuffer, Critical
	case KindWrongPassword:
		return wire.ErrAccessDenied, NonCritical
	case KindPasswordDisabled:
		return wire.ErrDisabled, NonCritical
	case KindNoRights:
		return wire.ErrAccessDenied, NonCritical
	case KindAlreadyCreated:
		return wire.ErrAlreadyCreated, NonCritical
	case KindBindFailed:
		return wire.ErrFailedToBindAddress, NonCritical
	case KindUnexpectedPacket:
		return wire.ErrUnexpectedPacket, NonCritical
	case KindHTTPUnsupported:
		return wire.ErrUnimplemented, NonCritical
	default:
		panic(fmt.Sprintf("session: unmapped error kind %d", k))
	}
}

// kindFromReadErr classifies a framer failure. ReadIO is a failed read of
// the header byte itself (typically a dead or closed socket); the
// connection cannot continue, so it lands on UnknownPacket/Critical same
// as the other framing failures.
func kindFromReadErr(e *wire.ReadError) Kind {
	switch e.Kind {
	case wire.ReadUnknownType:
		return KindUnknownPacket
	case wire.ReadTruncated:
		return KindTruncatedFrame
	case wire.ReadDecompressTooLarge:
		return KindOversizePayload
	case wire.ReadIO:
		return KindUnknownPacket
	default:
		panic(fmt.Sprintf("session: unmapped read error kind %d", e.Kind))
	}
}
