package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Reader decodes packets from a control stream. MaxPayload bounds the
// declared length of a Forward frame (plain or compressed) against the
// configured read buffer (spec section 4.1's "oversize length" failure
// mode); zero means unbounded.
type Reader struct {
	r          *bufio.Reader
	MaxPayload int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) readByte() (byte, error) { return r.r.ReadByte() }

func (r *Reader) readFull(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r.r, buf)
	return buf, err
}

func (r *Reader) readU16() (uint16, error) {
	b, err := r.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// readVisitorID reads a 1- or 2-byte little-endian visitor id depending on
// FlagShortClient (spec section 4.1).
func (r *Reader) readVisitorID(flags Flags) (uint16, error) {
	if flags.Has(FlagShortClient) {
		b, err := r.readByte()
		return uint16(b), err
	}
	return r.readU16()
}

// readLength reads a 1- or 2-byte little-endian length depending on FlagShort.
func (r *Reader) readLength(flags Flags) (int, error) {
	if flags.Has(FlagShort) {
		b, err := r.readByte()
		return int(b), err
	}
	v, err := r.readU16()
	return int(v), err
}

// ReadHeader decodes just the header byte, for callers that know from
// protocol position that a response (Ping or CreateServer) follows rather
// than a fresh request — see ReadPingResponse and ReadCreateServerResponse.
func (r *Reader) ReadHeader() (Type, Flags, error) {
	hdr, err := r.readByte()
	if err != nil {
		return 0, 0, newReadErr(ReadIO, err)
	}
	typ, flags := unpackHeader(hdr)
	if !typ.Valid() {
		return 0, 0, newReadErr(ReadUnknownType, errors.Errorf("type byte 0x%02x", hdr))
	}
	return typ, flags, nil
}

// ReadPacket decodes exactly one packet. On any I/O failure it returns a
// *ReadError so the caller can pick the non-critical/critical tier (spec
// section 7); a truncated read always surfaces as ReadTruncated / ReadIO,
// never as the underlying io.EOF, so callers never need to special-case EOF.
func (r *Reader) ReadPacket() (*Packet, error) {
	hdr, err := r.readByte()
	if err != nil {
		return nil, newReadErr(ReadIO, err)
	}
	typ, flags := unpackHeader(hdr)
	if !typ.Valid() {
		return nil, newReadErr(ReadUnknownType, errors.Errorf("type byte 0x%02x", hdr))
	}
	return r.readBody(typ, flags)
}

// ReadAgentPacket decodes one packet the way an agent's steady-state read
// loop must: a Ping header here is always the broker's answer to a Ping the
// agent itself sent (the broker never originates one), unlike ReadPacket's
// generic request-shaped TypePing case. Every other type is unambiguous and
// parsed the same way as ReadPacket.
func (r *Reader) ReadAgentPacket() (*Packet, error) {
	typ, flags, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	if typ == TypePing {
		return r.ReadPingResponse(flags)
	}
	return r.readBody(typ, flags)
}

func (r *Reader) readBody(typ Type, flags Flags) (*Packet, error) {
	p := &Packet{Type: typ, Flags: flags}
	switch typ {
	case TypePing:
		// request carries no payload; a Ping reaching readBody is always a
		// request (Ping responses are parsed by ReadPingResponse, directly
		// or via ReadAgentPacket, never here).
	case TypeCreateServer:
		if err := r.readCreateServer(p); err != nil {
			return nil, err
		}
	case TypeForward:
		if err := r.readForward(p); err != nil {
			return nil, err
		}
	case TypeConnect, TypeDisconnect:
		id, err := r.readVisitorID(flags)
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		p.VisitorID = id
	case TypeUpdateRights:
		b, err := r.readByte()
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		p.Rights = b
	case TypeAuthorizePassword:
		l, err := r.readByte()
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		pwd, err := r.readFull(int(l))
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		p.Password = pwd
	case TypeError:
		b, err := r.readByte()
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		p.Code = ErrorCode(b)
	}
	return p, nil
}

// ReadErrorCode decodes an Error packet's single code byte, for callers
// that already consumed the header via ReadHeader (e.g. a CreateServer
// exchange that came back rejected instead of answered).
func (r *Reader) ReadErrorCode() (ErrorCode, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, newReadErr(ReadTruncated, err)
	}
	return ErrorCode(b), nil
}

// ReadPingResponse decodes a Ping response payload; callers know from
// protocol position (they just sent a Ping request) that this is what
// follows, since the header alone can't distinguish request from response.
func (r *Reader) ReadPingResponse(flags Flags) (*Packet, error) {
	p := &Packet{Type: TypePing, Flags: flags}
	algo, err := r.readByte()
	if err != nil {
		return nil, newReadErr(ReadTruncated, err)
	}
	level, err := r.readByte()
	if err != nil {
		return nil, newReadErr(ReadTruncated, err)
	}
	bufRead, err := r.readU16()
	if err != nil {
		return nil, newReadErr(ReadTruncated, err)
	}
	nameLen, err := r.readByte()
	if err != nil {
		return nil, newReadErr(ReadTruncated, err)
	}
	name, err := r.readFull(int(nameLen))
	if err != nil {
		return nil, newReadErr(ReadTruncated, err)
	}
	p.PingAlgo, p.PingLevel, p.PingBufRead, p.PingName = algo, level, bufRead, string(name)
	return p, nil
}

func (r *Reader) readCreateServer(p *Packet) error {
	protoB, err := r.readByte()
	if err != nil {
		return newReadErr(ReadTruncated, err)
	}
	p.Proto = Proto(protoB)
	switch p.Proto {
	case ProtoTCP:
		port, err := r.readU16()
		if err != nil {
			return newReadErr(ReadTruncated, err)
		}
		p.Port = port
	case ProtoHTTP:
		l, err := r.readByte()
		if err != nil {
			return newReadErr(ReadTruncated, err)
		}
		ep, err := r.readFull(int(l))
		if err != nil {
			return newReadErr(ReadTruncated, err)
		}
		p.Endpoint = string(ep)
	default:
		return newReadErr(ReadUnknownType, errors.Errorf("proto byte 0x%02x", protoB))
	}
	return nil
}

// ReadCreateServerResponse decodes a CreateServer response; like Ping, the
// caller knows positionally that a response (not a fresh request) follows.
func (r *Reader) ReadCreateServerResponse(flags Flags, proto Proto) (*Packet, error) {
	p := &Packet{Type: TypeCreateServer, Flags: flags, Proto: proto}
	if flags.Has(FlagCompressed) {
		p.EchoedPort = true
		return p, nil
	}
	switch proto {
	case ProtoTCP:
		port, err := r.readU16()
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		p.Port = port
	case ProtoHTTP:
		l, err := r.readByte()
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		ep, err := r.readFull(int(l))
		if err != nil {
			return nil, newReadErr(ReadTruncated, err)
		}
		p.Endpoint = string(ep)
	}
	return p, nil
}

func (r *Reader) readForward(p *Packet) error {
	id, err := r.readVisitorID(p.Flags)
	if err != nil {
		return newReadErr(ReadTruncated, err)
	}
	length, err := r.readLength(p.Flags)
	if err != nil {
		return newReadErr(ReadTruncated, err)
	}
	if r.MaxPayload > 0 && length > r.MaxPayload {
		return newReadErr(ReadDecompressTooLarge, errors.Errorf("forward length %d exceeds buffer %d", length, r.MaxPayload))
	}
	payload, err := r.readFull(length)
	if err != nil {
		return newReadErr(ReadTruncated, err)
	}
	p.VisitorID = id
	p.Payload = payload
	p.Compressed = p.Flags.Has(FlagCompressed)
	return nil
}
