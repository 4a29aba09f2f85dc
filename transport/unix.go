// Package transport provides the raw byte channels the protocol
// engine runs over.
//
// A Transport moves bytes and ancillary file descriptors; it knows
// nothing about SASL or DBus framing, which the engine layers on
// top.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is a duplex byte channel to a bus, with out-of-band file
// descriptor passing.
type Transport interface {
	io.ReadWriteCloser

	// TakeFDs returns the raw file descriptors that arrived as
	// ancillary data attached to previously read bytes, in arrival
	// order, and removes them from the transport. The caller assumes
	// ownership.
	TakeFDs() []int
	// WriteWithFDs is like Write, but additionally sends the given
	// raw descriptors as ancillary data attached to bs.
	WriteWithFDs(bs []byte, fds []int) (int, error)
}

// DialUnix connects to the bus socket at the given path. A leading @
// denotes an abstract socket address.
//
// The returned transport is not authenticated; the caller must run
// the SASL handshake before exchanging DBus messages.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return New(uc), nil
}

// New wraps an established Unix socket connection in a Transport.
func New(conn *net.UnixConn) Transport {
	return &unixTransport{conn: conn}
}

// unixTransport is a Transport that runs over a Unix domain socket.
type unixTransport struct {
	conn *net.UnixConn
	oob  [512]byte
	fds  queue.Queue[int]
}

func (u *unixTransport) Read(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		u.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			u.Close()
			return 0, oobErr
		}
	}
	if err != nil {
		u.Close()
		return 0, err
	}
	return n, nil
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) WriteWithFDs(bs []byte, fds []int) (int, error) {
	if len(fds) == 0 {
		return u.Write(bs)
	}

	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		u.Close()
		return n, err
	}
	if oobn != len(scm) {
		u.Close()
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (u *unixTransport) TakeFDs() []int {
	if u.fds.Len() == 0 {
		return nil
	}
	ret := make([]int, 0, u.fds.Len())
	for {
		fd, ok := u.fds.Pop()
		if !ok {
			break
		}
		ret = append(ret, fd)
	}
	return ret
}

func (u *unixTransport) Close() error {
	// Descriptors still queued here were never claimed by the
	// engine. Closing them is the last line of defense against
	// leaking them into the process for its lifetime.
	if n := u.fds.Len(); n > 0 {
		log.Printf("dbus: closing %d file descriptor(s) left unclaimed at transport shutdown", n)
		for {
			fd, ok := u.fds.Pop()
			if !ok {
				break
			}
			unix.Close(fd)
		}
	}
	return u.conn.Close()
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing on errors. We want to
	// extract all provided file descriptors from the message, so
	// that we can correctly close all of them on error. If we bailed
	// on first error, we'd leave dangling fds in the process, and
	// allow for a DoS.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			u.fds.Add(fd)
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}
