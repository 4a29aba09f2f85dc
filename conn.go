package dbuswire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbuswire/fragments"
	"github.com/danderson/dbuswire/transport"
)

// ifaceBus is the bus driver interface implemented by the message
// bus itself.
const (
	busName  = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	ifaceBus = "org.freedesktop.DBus"
)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// NegotiateUnixFDs requests Unix file descriptor passing during
	// the handshake. If the server refuses, the connection fails.
	NegotiateUnixFDs bool
	// Unhandled, if set, receives messages the router cannot route:
	// late replies, unmatched signals, and incoming method calls.
	Unhandled func(*Message)
}

// A Conn is a DBus connection: a transport plus the engine driving
// it, bound to the multi-threaded concurrency model. One background
// goroutine owns the socket read loop and feeds the router; any
// number of goroutines may send messages and block on their own
// pending calls.
type Conn struct {
	t      transport.Transport
	router *Router
	framer *Framer
	fdsOK  bool

	writeMu sync.Mutex
	order   fragments.ByteOrder

	mu       sync.Mutex
	clientID string

	closeOnce sync.Once
	tasks     *taskgroup.Group
}

// NewConn runs the authentication handshake over t and, on success,
// starts the read loop and returns the live connection. NewConn
// takes ownership of t, and closes it if the handshake fails.
//
// NewConn performs no bus registration; see [SystemBus] and
// [SessionBus] for connections to a message bus.
func NewConn(ctx context.Context, t transport.Transport, opts ConnOptions) (*Conn, error) {
	auth := NewAuthenticator(os.Geteuid(), opts.NegotiateUnixFDs)
	if _, err := t.Write(auth.InitialData()); err != nil {
		t.Close()
		return nil, err
	}
	buf := make([]byte, 256)
	for !auth.Done() {
		if err := ctx.Err(); err != nil {
			t.Close()
			return nil, err
		}
		n, err := t.Read(buf)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("reading auth response: %w", err)
		}
		send, err := auth.Feed(buf[:n])
		if err != nil {
			t.Close()
			return nil, err
		}
		if len(send) > 0 {
			if _, err := t.Write(send); err != nil {
				t.Close()
				return nil, err
			}
		}
	}

	c := &Conn{
		t:      t,
		router: NewRouter(),
		framer: &Framer{},
		fdsOK:  auth.SupportsUnixFDs(),
		order:  fragments.NativeEndian,
	}
	if opts.Unhandled != nil {
		c.router.OnUnhandled(opts.Unhandled)
	}
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(c.readLoop)
	return c, nil
}

// SupportsUnixFDs reports whether the connection may carry file
// descriptors in message bodies.
func (c *Conn) SupportsUnixFDs() bool { return c.fdsOK }

// Router returns the connection's router, for direct filter
// management or catch-all inspection.
func (c *Conn) Router() *Router { return c.router }

// Hello registers with the message bus and records the unique name
// it assigns. It must be the first method call on a bus connection.
func (c *Conn) Hello(ctx context.Context) error {
	ret, err := c.Call(ctx, busName, busPath, ifaceBus, "Hello")
	if err != nil {
		return fmt.Errorf("getting DBus client ID: %w", err)
	}
	if len(ret) != 1 {
		return fmt.Errorf("unexpected Hello response body %v", ret)
	}
	id, ok := ret[0].(string)
	if !ok {
		return fmt.Errorf("unexpected Hello response type %T", ret[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = id
	return nil
}

// LocalName returns the connection's unique bus name, if Hello has
// been called.
func (c *Conn) LocalName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Send stamps and transmits m. For method calls expecting a reply it
// returns the PendingCall that will resolve with the response; for
// everything else it returns nil.
//
// Writes to the wire are serialized: one message is written in full
// before the next begins, so concurrent senders cannot interleave
// frames.
func (c *Conn) Send(m *Message) (*PendingCall, error) {
	pc, err := c.router.Outgoing(m)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*PendingCall, error) {
		if pc != nil {
			pc.Cancel()
		}
		return nil, err
	}

	bs, err := m.Marshal(c.order)
	if err != nil {
		return fail(err)
	}
	var fds []int
	if len(m.Files) > 0 {
		if !c.fdsOK {
			return fail(errors.New("message carries file descriptors, but fd passing was not negotiated"))
		}
		fds = make([]int, 0, len(m.Files))
		for _, f := range m.Files {
			fd, err := f.Fd()
			if err != nil {
				return fail(fmt.Errorf("unusable file descriptor in message body: %w", err))
			}
			fds = append(fds, fd)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(fds) > 0 {
		_, err = c.t.WriteWithFDs(bs, fds)
	} else {
		_, err = c.t.Write(bs)
	}
	if err != nil {
		return fail(err)
	}
	return pc, nil
}

// Call sends a method call and blocks until its reply, a context
// timeout, or connection teardown. The reply body is returned on
// success; a peer error surfaces as a [CallError].
func (c *Conn) Call(ctx context.Context, dest string, path ObjectPath, iface, member string, body ...any) ([]any, error) {
	pc, err := c.Send(NewMethodCall(dest, path, iface, member, body...))
	if err != nil {
		return nil, err
	}
	defer pc.Cancel()
	return pc.Wait(ctx)
}

// EmitSignal broadcasts a signal from path.
func (c *Conn) EmitSignal(path ObjectPath, iface, member string, body ...any) error {
	_, err := c.Send(NewSignal(path, iface, member, body...))
	return err
}

// Subscribe registers f with the router and installs the matching
// rule on the bus, so the bus starts forwarding the signals f wants.
func (c *Conn) Subscribe(ctx context.Context, f *Filter) error {
	if err := c.router.AddFilter(f); err != nil {
		return err
	}
	if _, err := c.Call(ctx, busName, busPath, ifaceBus, "AddMatch", f.Rule()); err != nil {
		c.router.RemoveFilter(f)
		return err
	}
	return nil
}

// Unsubscribe detaches f from the router and removes its match rule
// from the bus. The filter itself is left open so queued messages
// can still be drained; closing it remains the caller's job.
func (c *Conn) Unsubscribe(ctx context.Context, f *Filter) error {
	c.router.RemoveFilter(f)
	_, err := c.Call(ctx, busName, busPath, ifaceBus, "RemoveMatch", f.Rule())
	return err
}

// Close tears the connection down: every outstanding call fails
// with [net.ErrClosed], filters close, and the transport is
// released. Close is idempotent.
func (c *Conn) Close() error {
	c.teardown(net.ErrClosed)
	c.tasks.Wait()
	return nil
}

func (c *Conn) teardown(reason error) {
	c.closeOnce.Do(func() {
		c.router.Shutdown(reason)
		c.t.Close()
	})
}

// readLoop is the connection's single reader: it owns the transport
// read side and the framer, and feeds every complete message to the
// router.
func (c *Conn) readLoop() error {
	defer c.framer.Close()
	buf := make([]byte, 4096)
	for {
		n, err := c.t.Read(buf)
		if err != nil {
			// Either the Conn was shut down, or the transport
			// failed. Both are fatal to the connection.
			c.teardown(err)
			return nil
		}
		if fds := c.t.TakeFDs(); len(fds) > 0 {
			wrapped := make([]*FileDescriptor, len(fds))
			for i, fd := range fds {
				wrapped[i] = NewFileDescriptor(fd)
			}
			c.framer.AddFiles(wrapped...)
		}
		msgs, err := c.framer.Feed(buf[:n])
		// Messages that completed before a bad frame still route, so
		// replies already observed on the wire are not lost.
		for _, m := range msgs {
			c.router.Incoming(m)
		}
		if err != nil {
			// The stream is no longer trustworthy.
			log.Printf("dbus: fatal protocol error: %v", err)
			c.teardown(err)
			return nil
		}
	}
}
