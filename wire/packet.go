// Package wire implements fluxus's control-stream wire format: one header
// byte encoding a 5-bit packet type and a 3-bit flag set, followed by a
// per-type payload. See spec section 4.1/6 for the bit-exact layout.
/*
 * grounded on aistore's transport/pdu.go (header+payload framing idiom) and
 * on _examples/original_source/crates/galaxy-network, packages/mid-net and
 * packages/galaxy-net-raw/src/packet_type.rs for the tagged-packet shape this
 * protocol's prototypes converged on.
 */
package wire

import "fmt"

// Type is the 5-bit packet type tag occupying the header byte's high bits.
type Type uint8

const (
	TypeError Type = iota
	TypePing
	TypeCreateServer
	TypeForward
	TypeConnect
	TypeDisconnect
	TypeUpdateRights
	TypeAuthorizePassword
)

func (t Type) String() string {
	switch t {
	case TypeError:
		return "Error"
	case TypePing:
		return "Ping"
	case TypeCreateServer:
		return "CreateServer"
	case TypeForward:
		return "Forward"
	case TypeConnect:
		return "Connect"
	case TypeDisconnect:
		return "Disconnect"
	case TypeUpdateRights:
		return "UpdateRights"
	case TypeAuthorizePassword:
		return "AuthorizePassword"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the eight packet types this protocol
// version defines; anything else is a protocol error (spec section 3).
func (t Type) Valid() bool { return t <= TypeAuthorizePassword }

// Flags is the 3-bit flag set occupying the header byte's low bits.
type Flags uint8

const (
	// FlagShort means the length field that follows is one byte instead of two.
	FlagShort Flags = 1 << iota
	// FlagShortClient means the visitor id field that follows is one byte instead of two.
	FlagShortClient
	// FlagCompressed means the payload is compressed. On a CreateServer
	// response it is overloaded (see Packet.EchoedPort) per spec section 9.
	FlagCompressed
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const headerFlagBits = 3
const maxFlags = Flags(1<<headerFlagBits) - 1

// packHeader and unpackHeader implement the single-byte header: (type << 3) | flags.
func packHeader(t Type, f Flags) byte { return byte(t)<<headerFlagBits | byte(f&maxFlags) }

func unpackHeader(b byte) (Type, Flags) {
	return Type(b >> headerFlagBits), Flags(b) & maxFlags
}

// Proto tags a CreateServer request/response as binding a TCP or HTTP public
// endpoint (spec section 4.1).
type Proto uint8

const (
	ProtoTCP Proto = iota
	ProtoHTTP
)

func (p Proto) String() string {
	if p == ProtoHTTP {
		return "http"
	}
	return "tcp"
}

// Packet is the decoded union of every payload shape the protocol carries.
// Only the fields relevant to Type are meaningful; Reader.ReadPacket never
// populates fields outside of the decoded type.
type Packet struct {
	Type  Type
	Flags Flags

	// Ping response
	PingAlgo    uint8
	PingLevel   uint8
	PingBufRead uint16
	PingName    string

	// CreateServer request/response
	Proto     Proto
	Port      uint16 // request: 0 means "any"; response: actual bound port (TCP)
	Endpoint  string // request: endpoint hint; response: bound endpoint (HTTP)
	EchoedPort bool  // response only: COMPRESSED flag was set, meaning "same port as requested" (spec section 9)

	// Forward / Connect / Disconnect
	VisitorID  uint16
	Payload    []byte // Forward only; if Flags.Has(FlagCompressed), still compressed
	Compressed bool   // convenience mirror of Flags.Has(FlagCompressed) for Forward

	// UpdateRights
	Rights uint8

	// AuthorizePassword
	Password []byte

	// Error
	Code ErrorCode
}
