// Package dbustest provides an in-memory bus endpoint for tests.
//
// The bus speaks the server side of the SASL handshake and the DBus
// wire protocol over a synchronous pipe, so connection-level tests
// run hermetically, with no dbus-daemon and no real sockets.
package dbustest

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/fragments"
	"github.com/danderson/dbuswire/transport"
)

// Handler answers one method call. Returning an error produces an
// error reply; a [dbuswire.CallError] controls the error name.
type Handler func(*dbuswire.Message) ([]any, error)

// Bus is a scripted in-memory bus endpoint.
type Bus struct {
	t   *testing.T
	cli net.Conn
	srv net.Conn

	mu       sync.Mutex
	handlers map[string]Handler
	serial   uint32

	stopped chan struct{}
}

// New starts a bus endpoint for the calling test. The bus answers
// Hello, AddMatch and RemoveMatch itself; register more methods
// with [Bus.Handle] before dialing.
func New(t *testing.T) *Bus {
	cli, srv := net.Pipe()
	b := &Bus{
		t:        t,
		cli:      cli,
		srv:      srv,
		handlers: map[string]Handler{},
		stopped:  make(chan struct{}),
	}
	b.Handle("org.freedesktop.DBus", "Hello", func(*dbuswire.Message) ([]any, error) {
		return []any{":1.1"}, nil
	})
	b.Handle("org.freedesktop.DBus", "AddMatch", func(*dbuswire.Message) ([]any, error) {
		return nil, nil
	})
	b.Handle("org.freedesktop.DBus", "RemoveMatch", func(*dbuswire.Message) ([]any, error) {
		return nil, nil
	})
	go b.serve()
	t.Cleanup(b.Close)
	return b
}

// Transport returns the client-side transport connected to the bus.
// It cannot carry file descriptors.
func (b *Bus) Transport() transport.Transport {
	return pipeTransport{b.cli}
}

// Handle registers fn to answer calls to iface.member.
func (b *Bus) Handle(iface, member string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[iface+"."+member] = fn
}

// Emit sends a signal from the bus to the client. The bus stamps
// the serial and a sender name if m has none.
func (b *Bus) Emit(m *dbuswire.Message) error {
	if m.Sender == "" {
		m.Sender = ":1.7"
	}
	return b.send(m)
}

// Close shuts the bus down and disconnects the client.
func (b *Bus) Close() {
	b.cli.Close()
	b.srv.Close()
	<-b.stopped
}

func (b *Bus) send(m *dbuswire.Message) error {
	b.mu.Lock()
	b.serial++
	m.Serial = b.serial
	b.mu.Unlock()
	bs, err := m.Marshal(fragments.LittleEndian)
	if err != nil {
		return err
	}
	_, err = b.srv.Write(bs)
	return err
}

func (b *Bus) serve() {
	defer close(b.stopped)
	rest, err := b.handshake()
	if err != nil {
		b.t.Logf("dbustest: handshake failed: %v", err)
		return
	}

	framer := &dbuswire.Framer{}
	buf := make([]byte, 4096)
	for {
		msgs, err := framer.Feed(rest)
		for _, m := range msgs {
			b.dispatch(m)
		}
		if err != nil {
			b.t.Logf("dbustest: client sent a bad frame: %v", err)
			return
		}
		n, err := b.srv.Read(buf)
		if err != nil {
			return
		}
		rest = buf[:n]
	}
}

// handshake speaks the server side of the SASL exchange, and returns
// any message bytes the client sent in the same chunk as its BEGIN.
func (b *Bus) handshake() ([]byte, error) {
	var acc []byte
	buf := make([]byte, 256)
	readLine := func() (string, error) {
		for {
			if i := bytes.Index(acc, []byte("\r\n")); i >= 0 {
				line := string(acc[:i])
				acc = acc[i+2:]
				return line, nil
			}
			n, err := b.srv.Read(buf)
			if err != nil {
				return "", err
			}
			acc = append(acc, buf[:n]...)
		}
	}

	line, err := readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != 0 {
		return nil, errors.New("missing NUL credentials byte")
	}
	if !strings.HasPrefix(line[1:], "AUTH EXTERNAL ") {
		return nil, fmt.Errorf("unexpected auth line %q", line[1:])
	}
	if _, err := b.srv.Write([]byte("OK d8e8fca2dc0f896fd7cb4cb0031ba2\r\n")); err != nil {
		return nil, err
	}
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		switch line {
		case "NEGOTIATE_UNIX_FD":
			if _, err := b.srv.Write([]byte("AGREE_UNIX_FD\r\n")); err != nil {
				return nil, err
			}
		case "BEGIN":
			return acc, nil
		default:
			return nil, fmt.Errorf("unexpected handshake line %q", line)
		}
	}
}

func (b *Bus) dispatch(m *dbuswire.Message) {
	if !m.WantReply() {
		return
	}
	b.mu.Lock()
	handler := b.handlers[m.Interface+"."+m.Member]
	b.mu.Unlock()

	if handler == nil {
		b.send(m.ReplyError("org.freedesktop.DBus.Error.UnknownMethod",
			fmt.Sprintf("no such method %s.%s", m.Interface, m.Member)))
		return
	}
	ret, err := handler(m)
	if err != nil {
		var ce dbuswire.CallError
		if errors.As(err, &ce) {
			b.send(m.ReplyError(ce.Name, ce.Body...))
		} else {
			b.send(m.ReplyError("org.freedesktop.DBus.Error.Failed", err.Error()))
		}
		return
	}
	b.send(m.Reply(ret...))
}

// pipeTransport adapts one end of a net.Pipe to the transport
// interface. It cannot carry ancillary data.
type pipeTransport struct {
	net.Conn
}

func (p pipeTransport) TakeFDs() []int { return nil }

func (p pipeTransport) WriteWithFDs(bs []byte, fds []int) (int, error) {
	if len(fds) > 0 {
		return 0, errors.New("pipe transport cannot carry file descriptors")
	}
	return p.Write(bs)
}
