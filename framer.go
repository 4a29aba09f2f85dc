package dbuswire

import (
	"bytes"
	"errors"
	"log"

	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbuswire/fragments"
)

// maxMessageBytes is the maximum total size of a single message, per
// the DBus specification.
const maxMessageBytes = 128 << 20

// A Framer incrementally parses a DBus byte stream into complete
// messages. Partial frames are buffered across calls to
// [Framer.Feed], so the stream may be fed in arbitrarily small
// chunks.
//
// A Framer is a sequential state machine: it must be driven by a
// single reader at a time.
//
// The zero value is ready to use.
type Framer struct {
	buf    []byte
	fds    queue.Queue[*FileDescriptor]
	err    error
	closed bool
}

// AddFiles queues file descriptors received as ancillary data. They
// are attached, in order, to subsequently parsed messages according
// to each message's UNIX_FDS header field.
func (f *Framer) AddFiles(fds ...*FileDescriptor) {
	if f.closed {
		for _, fd := range fds {
			fd.Close()
		}
		return
	}
	for _, fd := range fds {
		f.fds.Add(fd)
	}
}

// Feed consumes the next chunk of the byte stream and returns the
// complete messages it finished, zero or more.
//
// A parse error is fatal: the stream is no longer trustworthy, the
// framer remembers the error, and all subsequent feeds fail with it.
// Messages completed before the bad frame are still returned
// alongside the error, so the caller can route them before tearing
// down.
func (f *Framer) Feed(p []byte) ([]*Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.buf = append(f.buf, p...)
	var msgs []*Message
	for {
		m, n, err := f.parseNext()
		if err != nil {
			f.err = err
			return msgs, err
		}
		if m == nil {
			break
		}
		f.buf = f.buf[n:]
		msgs = append(msgs, m)
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return msgs, nil
}

// Close marks the framer unusable and releases any file descriptors
// that were queued but never claimed by a message. Unclaimed
// descriptors indicate that the peer sent more ancillary data than
// its messages declared; they are closed here so they cannot leak,
// and reported as a diagnostic.
func (f *Framer) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.err == nil {
		f.err = errors.New("framer closed")
	}
	if n := f.fds.Len(); n > 0 {
		log.Printf("dbus: closing %d file descriptor(s) left unclaimed at framer shutdown", n)
		for {
			fd, ok := f.fds.Pop()
			if !ok {
				break
			}
			fd.Close()
		}
	}
	f.buf = nil
	return nil
}

// parseNext attempts to parse one complete message from the front of
// f.buf. It returns (nil, 0, nil) if the buffer does not yet hold a
// complete message.
func (f *Framer) parseNext() (*Message, int, error) {
	// Stage one: the fixed 16-byte primary header, which tells us
	// the length of the header field array and the body.
	if len(f.buf) < 16 {
		return nil, 0, nil
	}
	order, err := fragments.OrderForFlag(f.buf[0])
	if err != nil {
		return nil, 0, FrameError{err}
	}
	bodyLen := int(order.Uint32(f.buf[4:8]))
	fieldsLen := int(order.Uint32(f.buf[12:16]))
	if fieldsLen > fragments.MaxArrayBytes {
		return nil, 0, frameErr("header field array of %d bytes exceeds the array size limit", fieldsLen)
	}
	// The body begins at the next 8-byte boundary after the header
	// field array.
	total := align8(16+fieldsLen) + bodyLen
	if total > maxMessageBytes {
		return nil, 0, frameErr("message of %d bytes exceeds the %d byte limit", total, maxMessageBytes)
	}
	if len(f.buf) < total {
		return nil, 0, nil
	}

	m, err := f.unmarshalMessage(order, f.buf[:total])
	if err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

func (f *Framer) unmarshalMessage(order fragments.ByteOrder, bs []byte) (*Message, error) {
	in := bytes.NewReader(bs)
	dec := &fragments.Decoder{Order: order, In: in}

	if err := dec.ByteOrderFlag(); err != nil {
		return nil, FrameError{err}
	}
	m := &Message{}
	typ, _ := dec.Uint8()
	m.Type = MsgType(typ)
	flags, _ := dec.Uint8()
	m.Flags = Flags(flags)
	version, err := dec.Uint8()
	if err != nil {
		return nil, FrameError{err}
	}
	if version != protoVersion {
		return nil, frameErr("unsupported protocol version %d", version)
	}
	bodyLen, _ := dec.Uint32()
	m.Serial, err = dec.Uint32()
	if err != nil {
		return nil, FrameError{err}
	}

	var numFDs uint32
	if _, err := dec.Array(true, func(int) error {
		return dec.Struct(func() error {
			return f.unmarshalHeaderField(dec, m, &numFDs)
		})
	}); err != nil {
		return nil, FrameError{err}
	}
	if err := dec.Pad(8); err != nil {
		return nil, FrameError{err}
	}
	if err := m.Valid(); err != nil {
		return nil, FrameError{err}
	}

	if bodyLen == 0 {
		if !m.Signature.IsZero() {
			return nil, frameErr("message declares body signature %q but no body", m.Signature)
		}
		if numFDs != 0 {
			return nil, frameErr("message declares %d file descriptors but no body", numFDs)
		}
		return m, nil
	}
	if m.Signature.IsZero() {
		return nil, frameErr("message has a %d byte body but no signature", bodyLen)
	}

	var files []*FileDescriptor
	for range numFDs {
		fd, ok := f.fds.Pop()
		if !ok {
			return nil, frameErr("message declares %d file descriptors, transport delivered %d", numFDs, len(files))
		}
		files = append(files, fd)
	}
	m.Files = files

	m.Body, err = unmarshalBody(dec, m.Signature, files)
	if err != nil {
		for _, fd := range files {
			fd.Close()
		}
		var fe FrameError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, FrameError{err}
	}
	if in.Len() != 0 {
		for _, fd := range files {
			fd.Close()
		}
		return nil, frameErr("%d trailing bytes after message body", in.Len())
	}
	return m, nil
}

func (f *Framer) unmarshalHeaderField(dec *fragments.Decoder, m *Message, numFDs *uint32) error {
	code, err := dec.Uint8()
	if err != nil {
		return err
	}
	sigStr, err := dec.Signature()
	if err != nil {
		return err
	}
	sig, err := ParseSignature(sigStr)
	if err != nil {
		return err
	}
	if len(sig.types) != 1 {
		return frameErr("header field %d has invalid variant signature %q", code, sigStr)
	}
	val, err := unmarshalValue(dec, sig.types[0], nil)
	if err != nil {
		return err
	}

	set := func(dst any) error {
		switch dst := dst.(type) {
		case *ObjectPath:
			v, ok := val.(ObjectPath)
			if !ok {
				return frameErr("header field %d has type %q, want o", code, sigStr)
			}
			*dst = v
		case *string:
			v, ok := val.(string)
			if !ok {
				return frameErr("header field %d has type %q, want s", code, sigStr)
			}
			*dst = v
		case *uint32:
			v, ok := val.(uint32)
			if !ok {
				return frameErr("header field %d has type %q, want u", code, sigStr)
			}
			*dst = v
		case *Signature:
			v, ok := val.(Signature)
			if !ok {
				return frameErr("header field %d has type %q, want g", code, sigStr)
			}
			*dst = v
		}
		return nil
	}

	switch code {
	case fieldPath:
		return set(&m.Path)
	case fieldInterface:
		return set(&m.Interface)
	case fieldMember:
		return set(&m.Member)
	case fieldErrName:
		return set(&m.ErrName)
	case fieldReplySerial:
		return set(&m.ReplySerial)
	case fieldDestination:
		return set(&m.Destination)
	case fieldSender:
		return set(&m.Sender)
	case fieldSignature:
		return set(&m.Signature)
	case fieldUnixFDs:
		return set(numFDs)
	default:
		// Unknown header fields must be ignored, per the DBus
		// specification.
		return nil
	}
}

func align8(n int) int {
	return (n + 7) &^ 7
}
