package wire

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Writer encodes packets onto a control stream. It is not safe for
// concurrent use; callers serialize all writes through one goroutine (the
// session's dispatcher, spec section 4.9).
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: bufio.NewWriter(w)} }

func (w *Writer) flush() error { return w.w.Flush() }

func (w *Writer) writeU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.w.Write(b[:])
}

// visitorFlags returns FlagShortClient iff id fits one byte.
func visitorFlags(id uint16) Flags {
	if id <= 0xFF {
		return FlagShortClient
	}
	return 0
}

func (w *Writer) writeVisitorID(id uint16, flags Flags) {
	if flags.Has(FlagShortClient) {
		w.w.WriteByte(byte(id))
		return
	}
	w.writeU16(id)
}

func (w *Writer) WritePing() error {
	w.w.WriteByte(packHeader(TypePing, 0))
	return w.flush()
}

func (w *Writer) WritePingResponse(algo, level uint8, bufRead uint16, name string) error {
	w.w.WriteByte(packHeader(TypePing, 0))
	w.w.WriteByte(algo)
	w.w.WriteByte(level)
	w.writeU16(bufRead)
	w.w.WriteByte(byte(len(name)))
	w.w.WriteString(name)
	return w.flush()
}

func (w *Writer) WriteCreateServerRequestTCP(port uint16) error {
	w.w.WriteByte(packHeader(TypeCreateServer, 0))
	w.w.WriteByte(byte(ProtoTCP))
	w.writeU16(port)
	return w.flush()
}

func (w *Writer) WriteCreateServerRequestHTTP(endpointHint string) error {
	w.w.WriteByte(packHeader(TypeCreateServer, 0))
	w.w.WriteByte(byte(ProtoHTTP))
	w.w.WriteByte(byte(len(endpointHint)))
	w.w.WriteString(endpointHint)
	return w.flush()
}

// WriteCreateServerResponseEcho writes the "bound port equals requested
// port" short form, overloading FlagCompressed per spec section 9.
func (w *Writer) WriteCreateServerResponseEcho() error {
	w.w.WriteByte(packHeader(TypeCreateServer, FlagCompressed))
	return w.flush()
}

func (w *Writer) WriteCreateServerResponseTCP(port uint16) error {
	w.w.WriteByte(packHeader(TypeCreateServer, 0))
	w.writeU16(port)
	return w.flush()
}

func (w *Writer) WriteCreateServerResponseHTTP(endpoint string) error {
	w.w.WriteByte(packHeader(TypeCreateServer, 0))
	w.w.WriteByte(byte(len(endpoint)))
	w.w.WriteString(endpoint)
	return w.flush()
}

// WriteForward encodes a Forward frame, choosing FlagShortClient/FlagShort
// independently of the compressed bit per spec section 4.1's encoding
// policy: SHORT_CLIENT iff id<=0xFF, SHORT iff len(payload)<=0xFF,
// COMPRESSED iff compressed is true.
func (w *Writer) WriteForward(id uint16, payload []byte, compressed bool) error {
	flags := visitorFlags(id)
	if len(payload) <= 0xFF {
		flags |= FlagShort
	}
	if compressed {
		flags |= FlagCompressed
	}
	w.w.WriteByte(packHeader(TypeForward, flags))
	w.writeVisitorID(id, flags)
	if flags.Has(FlagShort) {
		w.w.WriteByte(byte(len(payload)))
	} else {
		w.writeU16(uint16(len(payload)))
	}
	w.w.Write(payload)
	return w.flush()
}

func (w *Writer) writeIDPacket(t Type, id uint16) error {
	flags := visitorFlags(id)
	w.w.WriteByte(packHeader(t, flags))
	w.writeVisitorID(id, flags)
	return w.flush()
}

func (w *Writer) WriteConnect(id uint16) error    { return w.writeIDPacket(TypeConnect, id) }
func (w *Writer) WriteDisconnect(id uint16) error { return w.writeIDPacket(TypeDisconnect, id) }

func (w *Writer) WriteUpdateRights(bits uint8) error {
	w.w.WriteByte(packHeader(TypeUpdateRights, 0))
	w.w.WriteByte(bits)
	return w.flush()
}

func (w *Writer) WriteAuthorizePassword(password []byte) error {
	w.w.WriteByte(packHeader(TypeAuthorizePassword, 0))
	w.w.WriteByte(byte(len(password)))
	w.w.Write(password)
	return w.flush()
}

func (w *Writer) WriteError(code ErrorCode) error {
	w.w.WriteByte(packHeader(TypeError, 0))
	w.w.WriteByte(byte(code))
	return w.flush()
}
