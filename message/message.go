// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package message provides the D-Bus message value exchanged by the
// connection core.
//
// The full D-Bus type system (zvariant signatures, variants, nested
// containers) is out of scope here: a Message carries a primary header, a
// small set of header fields (path, interface, member, error name,
// reply serial, destination, sender), and a body that is either absent or a
// single UTF-8 string — the two shapes every operation in this repo
// exercises. Header fields are encoded as simple tag-length-value entries
// rather than true zvariant-encoded structs; wire compatibility with a real
// D-Bus daemon is not a goal of this package.
//
// Wire format of the primary header (16 bytes, fixed):
//
//	offset 0:     endianness ('l' little, 'B' big)
//	offset 1:     message type
//	offset 2:     flags
//	offset 3:     protocol version
//	offset 4-7:   body length
//	offset 8-11:  serial
//	offset 12-15: header fields array length
//
// The fields array follows, then zero-padding to an 8-byte boundary, then
// the body.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"code.hybscloud.com/dbuslink/internal/bo"
)

// Wire limits (spec.md/SPEC_FULL.md §6).
const (
	MinMessageSize = 16
	MaxMessageSize = 128 * 1024 * 1024
)

const (
	endianLittle byte = 'l'
	endianBig    byte = 'B'
)

// Type is the D-Bus message type.
type Type uint8

const (
	MethodCall   Type = 1
	MethodReturn Type = 2
	Error        Type = 3
	// SignalType is named apart from the Signal constructor below.
	SignalType Type = 4
)

func (t Type) String() string {
	switch t {
	case MethodCall:
		return "method call"
	case MethodReturn:
		return "method return"
	case Error:
		return "error"
	case SignalType:
		return "signal"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Header field tags. Each tag is followed by a 4-byte length and the value,
// padded with zeros to the next 8-byte boundary.
const (
	fieldPath        byte = 1
	fieldInterface   byte = 2
	fieldMember      byte = 3
	fieldErrorName   byte = 4
	fieldReplySerial byte = 5
	fieldDestination byte = 6
	fieldSender      byte = 7
)

var (
	// ErrInvalidHeader means the primary header or fields array could not be
	// decoded (malformed endianness byte, truncated or out-of-range field,
	// malformed reply serial). Unknown field tags are skipped, not rejected.
	ErrInvalidHeader = errors.New("message: invalid header")

	// ErrUnsupportedBody means the body value is neither nil nor a string --
	// the only two body shapes this package's minimal codec supports.
	ErrUnsupportedBody = errors.New("message: unsupported body type")
)

// PrimaryHeader is the fixed 16-byte prefix of every message.
type PrimaryHeader struct {
	Endian       byte
	Type         Type
	Flags        byte
	ProtoVersion byte
	BodyLen      uint32
	Serial       uint32
	FieldsLen    uint32
}

func (ph PrimaryHeader) byteOrder() (binary.ByteOrder, error) {
	switch ph.Endian {
	case endianLittle:
		return binary.LittleEndian, nil
	case endianBig:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: endianness byte %#x", ErrInvalidHeader, ph.Endian)
	}
}

// ParsePrimaryHeader decodes the fixed 16-byte prefix. It does not require
// the fields array or body to be present; callers use the returned header's
// FieldsLen and BodyLen to size the rest of the frame.
func ParsePrimaryHeader(b []byte) (PrimaryHeader, error) {
	if len(b) < MinMessageSize {
		return PrimaryHeader{}, fmt.Errorf("%w: short buffer", ErrInvalidHeader)
	}
	ph := PrimaryHeader{
		Endian:       b[0],
		Type:         Type(b[1]),
		Flags:        b[2],
		ProtoVersion: b[3],
	}
	order, err := ph.byteOrder()
	if err != nil {
		return PrimaryHeader{}, err
	}
	ph.BodyLen = order.Uint32(b[4:8])
	ph.Serial = order.Uint32(b[8:12])
	ph.FieldsLen = order.Uint32(b[12:16])
	return ph, nil
}

// paddingFor8 returns the number of zero bytes needed to round n up to the
// next multiple of 8.
func paddingFor8(n int) int { return (8 - n%8) % 8 }

// Header is the decoded, read-only view of a message's primary header and
// header fields.
type Header struct {
	primary     PrimaryHeader
	path        string
	hasPath     bool
	iface       string
	hasIface    bool
	member      string
	hasMember   bool
	errorName   string
	hasError    bool
	dest        string
	hasDest     bool
	sender      string
	hasSender   bool
	replySerial uint32
	hasReply    bool
}

func (h *Header) Serial() uint32 { return h.primary.Serial }
func (h *Header) MessageType() Type { return h.primary.Type }
func (h *Header) BodyLen() uint32 { return h.primary.BodyLen }
func (h *Header) Path() (string, bool) { return h.path, h.hasPath }
func (h *Header) Interface() (string, bool) { return h.iface, h.hasIface }
func (h *Header) Member() (string, bool) { return h.member, h.hasMember }
func (h *Header) ErrorName() (string, bool) { return h.errorName, h.hasError }
func (h *Header) Destination() (string, bool) { return h.dest, h.hasDest }
func (h *Header) Sender() (string, bool) { return h.sender, h.hasSender }
func (h *Header) ReplySerial() (uint32, bool) { return h.replySerial, h.hasReply }

// Message is a complete D-Bus message: header, body bytes, any file
// descriptors carried alongside it, and (for received messages) the
// connection-assigned sequence number.
type Message struct {
	header Header
	body   []byte
	fds    []int
	seq    uint64
	raw    []byte
}

// Seq returns the monotonic receive-time sequence number. Zero for messages
// that were constructed locally and never received.
func (m *Message) Seq() uint64 { return m.seq }

// Header returns the message's decoded header.
func (m *Message) Header() *Header { return &m.header }

// Fds returns the file descriptors carried by this message. Ownership
// belongs to the caller once returned from a receive path.
func (m *Message) Fds() []int { return m.fds }

// SetFds attaches file descriptors to an outgoing message built by Method,
// Signal, MethodReply, or MethodError. The raw framing engine sends them
// alongside the first chunk of the message only.
func (m *Message) SetFds(fds []int) { m.fds = fds }

// Body returns the raw (undecoded) body bytes.
func (m *Message) Body() []byte { return m.body }

// BodyString decodes a body encoded by this package's string codec. An
// empty body yields "" with no error; it fails if a non-empty body is too
// short to hold the length prefix or declares a length past its end.
func (m *Message) BodyString() (string, error) {
	if len(m.body) == 0 {
		return "", nil
	}
	if len(m.body) < 4 {
		return "", fmt.Errorf("%w: truncated string body", ErrInvalidHeader)
	}
	order, err := m.header.primary.byteOrder()
	if err != nil {
		return "", err
	}
	n := order.Uint32(m.body[:4])
	if int(n) > len(m.body)-4 {
		return "", fmt.Errorf("%w: string body length exceeds buffer", ErrInvalidHeader)
	}
	return string(m.body[4 : 4+n]), nil
}

// AsBytes returns the full wire encoding of this message, including the
// primary header, fields array, padding, and body. The returned slice must
// not be modified by callers other than via ModifyPrimaryHeader.
func (m *Message) AsBytes() []byte { return m.raw }

// ModifyPrimaryHeader applies fn to the message's primary header in place,
// then rewrites the serial/flags/body-length fields in place in the cached wire
// encoding. Only Serial is exercised by this repo (serial stamping), but fn
// receives the full header for generality.
func (m *Message) ModifyPrimaryHeader(fn func(*PrimaryHeader)) error {
	fn(&m.header.primary)
	order, err := m.header.primary.byteOrder()
	if err != nil {
		return err
	}
	order.PutUint32(m.raw[8:12], m.header.primary.Serial)
	order.PutUint32(m.raw[4:8], m.header.primary.BodyLen)
	m.raw[2] = m.header.primary.Flags
	return nil
}

func encodeStringBody(order binary.ByteOrder, s string) []byte {
	buf := make([]byte, 4+len(s))
	order.PutUint32(buf[:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func encodeBody(order binary.ByteOrder, body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case string:
		return encodeStringBody(order, v), nil
	default:
		return nil, ErrUnsupportedBody
	}
}

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) putString(order binary.ByteOrder, tag byte, s string) {
	entry := make([]byte, 1+4+len(s))
	entry[0] = tag
	order.PutUint32(entry[1:5], uint32(len(s)))
	copy(entry[5:], s)
	if pad := paddingFor8(len(entry)); pad > 0 {
		entry = append(entry, make([]byte, pad)...)
	}
	w.buf = append(w.buf, entry...)
}

func (w *fieldWriter) putUint32(order binary.ByteOrder, tag byte, v uint32) {
	entry := make([]byte, 1+4+4)
	entry[0] = tag
	order.PutUint32(entry[1:5], 4)
	order.PutUint32(entry[5:9], v)
	if pad := paddingFor8(len(entry)); pad > 0 {
		entry = append(entry, make([]byte, pad)...)
	}
	w.buf = append(w.buf, entry...)
}

// build assembles a Message from its logical fields: it encodes the fields
// array and body, computes lengths, and produces the final wire bytes. The
// serial is left at zero; callers stamp it later via ModifyPrimaryHeader.
func build(typ Type, sender, dest, path, iface, member, errorName string, replySerial *uint32, body any) (*Message, error) {
	order := bo.Native()
	var endian byte = endianLittle
	if order == binary.BigEndian {
		endian = endianBig
	}

	bodyBytes, err := encodeBody(order, body)
	if err != nil {
		return nil, err
	}

	fw := &fieldWriter{}
	h := Header{primary: PrimaryHeader{Endian: endian, Type: typ}}
	if path != "" {
		fw.putString(order, fieldPath, path)
		h.path, h.hasPath = path, true
	}
	if iface != "" {
		fw.putString(order, fieldInterface, iface)
		h.iface, h.hasIface = iface, true
	}
	if member != "" {
		fw.putString(order, fieldMember, member)
		h.member, h.hasMember = member, true
	}
	if errorName != "" {
		fw.putString(order, fieldErrorName, errorName)
		h.errorName, h.hasError = errorName, true
	}
	if dest != "" {
		fw.putString(order, fieldDestination, dest)
		h.dest, h.hasDest = dest, true
	}
	if sender != "" {
		fw.putString(order, fieldSender, sender)
		h.sender, h.hasSender = sender, true
	}
	if replySerial != nil {
		fw.putUint32(order, fieldReplySerial, *replySerial)
		h.replySerial, h.hasReply = *replySerial, true
	}

	h.primary.FieldsLen = uint32(len(fw.buf))
	h.primary.BodyLen = uint32(len(bodyBytes))

	headerLen := MinMessageSize + len(fw.buf)
	padding := paddingFor8(headerLen)
	total := headerLen + padding + len(bodyBytes)

	raw := make([]byte, total)
	raw[0] = endian
	raw[1] = byte(typ)
	raw[2] = 0 // flags
	raw[3] = 1 // protocol version
	order.PutUint32(raw[4:8], h.primary.BodyLen)
	order.PutUint32(raw[8:12], 0) // serial, stamped later
	order.PutUint32(raw[12:16], h.primary.FieldsLen)
	copy(raw[MinMessageSize:], fw.buf)
	copy(raw[headerLen+padding:], bodyBytes)

	return &Message{header: h, body: bodyBytes, raw: raw}, nil
}

// Method constructs a method-call message.
func Method(sender, dest, path, iface, methodName string, body any) (*Message, error) {
	return build(MethodCall, sender, dest, path, iface, methodName, "", nil, body)
}

// Signal constructs a signal message.
func Signal(sender, dest, path, iface, signalName string, body any) (*Message, error) {
	return build(SignalType, sender, dest, path, iface, signalName, "", nil, body)
}

// MethodReply constructs a method-return message replying to call.
func MethodReply(sender string, call *Message, body any) (*Message, error) {
	serial := call.Header().Serial()
	return build(MethodReturn, sender, "", "", "", "", "", &serial, body)
}

// MethodError constructs an error-reply message replying to call.
func MethodError(sender string, call *Message, errorName string, body any) (*Message, error) {
	serial := call.Header().Serial()
	return build(Error, sender, "", "", "", "", errorName, &serial, body)
}

// decodeFields parses the header fields area, recognizing the tags this
// package writes and ignoring (skipping past) any others.
func decodeFields(order binary.ByteOrder, b []byte) (Header, error) {
	var h Header
	off := 0
	for off < len(b) {
		if off+5 > len(b) {
			return Header{}, fmt.Errorf("%w: truncated field tag", ErrInvalidHeader)
		}
		tag := b[off]
		l := int(order.Uint32(b[off+1 : off+5]))
		valOff := off + 5
		if l < 0 || valOff+l > len(b) {
			return Header{}, fmt.Errorf("%w: field value out of range", ErrInvalidHeader)
		}
		val := b[valOff : valOff+l]
		switch tag {
		case fieldPath:
			h.path, h.hasPath = string(val), true
		case fieldInterface:
			h.iface, h.hasIface = string(val), true
		case fieldMember:
			h.member, h.hasMember = string(val), true
		case fieldErrorName:
			h.errorName, h.hasError = string(val), true
		case fieldDestination:
			h.dest, h.hasDest = string(val), true
		case fieldSender:
			h.sender, h.hasSender = string(val), true
		case fieldReplySerial:
			if l != 4 {
				return Header{}, fmt.Errorf("%w: malformed reply serial field", ErrInvalidHeader)
			}
			h.replySerial, h.hasReply = order.Uint32(val), true
		}
		entryLen := 5 + l
		off += entryLen + paddingFor8(entryLen)
	}
	return h, nil
}

// FromRawParts decodes a complete frame received off the wire (as produced
// by the raw framing connection) into a Message, attaching fds and seq.
func FromRawParts(buf []byte, fds []int, seq uint64) (*Message, error) {
	ph, err := ParsePrimaryHeader(buf)
	if err != nil {
		return nil, err
	}
	order, err := ph.byteOrder()
	if err != nil {
		return nil, err
	}
	headerLen := MinMessageSize + int(ph.FieldsLen)
	if headerLen > len(buf) {
		return nil, fmt.Errorf("%w: fields length exceeds buffer", ErrInvalidHeader)
	}
	h, err := decodeFields(order, buf[MinMessageSize:headerLen])
	if err != nil {
		return nil, err
	}
	h.primary = ph

	padding := paddingFor8(headerLen)
	bodyOff := headerLen + padding
	bodyEnd := bodyOff + int(ph.BodyLen)
	if bodyEnd > len(buf) {
		return nil, fmt.Errorf("%w: body length exceeds buffer", ErrInvalidHeader)
	}
	body := buf[bodyOff:bodyEnd]

	return &Message{header: h, body: body, fds: fds, seq: seq, raw: buf}, nil
}
