package dbuswire

import (
	"fmt"

	"github.com/danderson/dbuswire/fragments"
)

// MsgType is the type of a DBus message.
type MsgType uint8

const (
	MsgMethodCall MsgType = iota + 1
	MsgMethodReturn
	MsgError
	MsgSignal
)

func (t MsgType) String() string {
	switch t {
	case MsgMethodCall:
		return "method_call"
	case MsgMethodReturn:
		return "method_return"
	case MsgError:
		return "error"
	case MsgSignal:
		return "signal"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Flags is a DBus message's flag byte.
type Flags uint8

const (
	// FlagNoReplyExpected marks a method call that wants no reply.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name.
	FlagNoAutoStart
	// FlagAllowInteractiveAuth tells the destination that the sender
	// is prepared to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuth
)

// protoVersion is the DBus protocol major version this package
// speaks.
const protoVersion = 1

// Header field codes, from the DBus specification.
const (
	fieldPath uint8 = iota + 1
	fieldInterface
	fieldMember
	fieldErrName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldUnixFDs
)

// Message is a single DBus message: the header fields plus a body of
// typed values.
type Message struct {
	// Type is the message's type.
	Type MsgType
	// Flags is the message's flag byte.
	Flags Flags
	// Serial identifies this message on its originating connection.
	// The Router stamps it at send time; callers leave it zero.
	Serial uint32

	// Path is the target object for a call, or the source object for
	// a signal. Required for MsgMethodCall and MsgSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal.
	Member string
	// ErrName is the name of the error that occurred. Required for
	// MsgError.
	ErrName string
	// ReplySerial is the serial this message is replying to.
	// Required for MsgMethodReturn and MsgError.
	ReplySerial uint32
	// Destination is the target peer for the message. Optional for
	// signals.
	Destination string
	// Sender is the bus-assigned name of the message sender. The bus
	// populates this itself; sent values are ignored.
	Sender string
	// Signature describes the shape of Body. If zero and Body is
	// non-empty, it is inferred from the body values when the
	// message is serialized.
	Signature Signature

	// Body is the message payload, using the dynamic type mapping
	// described in [SignatureOf].
	Body []any
	// Files holds the file descriptors referenced by 'h' values in
	// Body, in wire index order. Populated by Marshal on send and by
	// the Framer on receive.
	Files []*FileDescriptor
}

// Valid checks that the message is valid for its message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch m.Type {
	case 0:
		return fmt.Errorf("invalid message with Type 0")
	case MsgMethodCall:
		if m.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case MsgMethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case MsgError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if m.ErrName == "" {
			return fmt.Errorf("missing required header field ErrName")
		}
	case MsgSignal:
		if m.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if m.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the DBus
		// specification requires us to gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MsgMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// Marshal returns the DBus wire encoding of the message: the 16-byte
// fixed header, the header field array, padding to an 8-byte
// boundary, and the body.
//
// As a side effect, Marshal populates m.Signature (if it was zero)
// and m.Files with the descriptors referenced by the body, in wire
// index order. The caller must send those descriptors as ancillary
// data alongside the returned bytes.
func (m *Message) Marshal(order fragments.ByteOrder) ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}

	// The body is encoded first, because the header needs its length
	// and signature. Body alignment is relative to the start of the
	// message, but the body begins on an 8-byte boundary, so
	// encoding it standalone produces identical bytes.
	var files []*FileDescriptor
	var bodyEnc fragments.Encoder
	bodyEnc.Order = order
	if len(m.Body) > 0 || !m.Signature.IsZero() {
		sig := m.Signature
		if sig.IsZero() {
			var err error
			if sig, err = SignatureOfAll(m.Body...); err != nil {
				return nil, err
			}
		}
		if err := marshalBody(&bodyEnc, sig, m.Body, &files); err != nil {
			return nil, err
		}
		m.Signature = sig
	}
	m.Files = files

	e := fragments.Encoder{Order: order}
	e.ByteOrderFlag()
	e.Uint8(uint8(m.Type))
	e.Uint8(uint8(m.Flags))
	e.Uint8(protoVersion)
	e.Uint32(uint32(len(bodyEnc.Out)))
	e.Uint32(m.Serial)

	field := func(code uint8, sig string, val func()) error {
		return e.Struct(func() error {
			e.Uint8(code)
			e.Signature(sig)
			val()
			return nil
		})
	}
	err := e.Array(true, func() error {
		if m.Path != "" {
			field(fieldPath, "o", func() { e.String(string(m.Path)) })
		}
		if m.Interface != "" {
			field(fieldInterface, "s", func() { e.String(m.Interface) })
		}
		if m.Member != "" {
			field(fieldMember, "s", func() { e.String(m.Member) })
		}
		if m.ErrName != "" {
			field(fieldErrName, "s", func() { e.String(m.ErrName) })
		}
		if m.ReplySerial != 0 {
			field(fieldReplySerial, "u", func() { e.Uint32(m.ReplySerial) })
		}
		if m.Destination != "" {
			field(fieldDestination, "s", func() { e.String(m.Destination) })
		}
		if m.Sender != "" {
			field(fieldSender, "s", func() { e.String(m.Sender) })
		}
		if !m.Signature.IsZero() {
			field(fieldSignature, "g", func() { e.Signature(m.Signature.String()) })
		}
		if len(files) > 0 {
			field(fieldUnixFDs, "u", func() { e.Uint32(uint32(len(files))) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Pad(8)
	e.Write(bodyEnc.Out)
	return e.Out, nil
}

// NewMethodCall returns a method call message. The body values must
// follow the dynamic type mapping described in [SignatureOf]; set
// Signature explicitly for bodies the mapping cannot infer.
func NewMethodCall(dest string, path ObjectPath, iface, member string, body ...any) *Message {
	return &Message{
		Type:        MsgMethodCall,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		Body:        body,
	}
}

// NewSignal returns a signal message broadcast from path.
func NewSignal(path ObjectPath, iface, member string, body ...any) *Message {
	return &Message{
		Type:      MsgSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}

// Reply returns a method return answering m.
func (m *Message) Reply(body ...any) *Message {
	return &Message{
		Type:        MsgMethodReturn,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		Body:        body,
	}
}

// ReplyError returns an error message answering m.
func (m *Message) ReplyError(name string, body ...any) *Message {
	return &Message{
		Type:        MsgError,
		ErrName:     name,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		Body:        body,
	}
}
