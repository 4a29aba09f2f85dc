package dbuswire

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
)

// maxAuthLine caps the bytes the authenticator will buffer while
// waiting for a CRLF, guarding against unbounded growth from a
// misbehaving peer.
const maxAuthLine = 8192

type authState uint8

const (
	authWaitingOk authState = iota
	authWaitingAgreeFD
	authDone
	authFailed
)

// An Authenticator drives the SASL handshake that must complete
// before DBus messages can be exchanged on a fresh connection. It
// speaks only the EXTERNAL mechanism, with optional Unix file
// descriptor passing negotiation.
//
// The Authenticator is a pure state machine: the caller writes
// [Authenticator.InitialData] to the transport, then feeds received
// bytes to [Authenticator.Feed] and writes whatever it returns,
// until [Authenticator.Done] reports true. Any error is fatal to the
// connection; the engine never retries authentication.
type Authenticator struct {
	uid          int
	negotiateFDs bool

	state authState
	fdsOK bool
	buf   []byte
	err   error
}

// NewAuthenticator returns an Authenticator that will authenticate
// as uid (normally the process's effective uid, since that is what
// the bus verifies through the socket's peer credentials). If
// negotiateFDs is true, the handshake additionally negotiates Unix
// file descriptor passing, and failure to agree is fatal.
func NewAuthenticator(uid int, negotiateFDs bool) *Authenticator {
	return &Authenticator{uid: uid, negotiateFDs: negotiateFDs}
}

// InitialData returns the bytes that open the handshake: the
// mandatory leading NUL, followed by the AUTH EXTERNAL line carrying
// the hex-encoded uid.
func (a *Authenticator) InitialData() []byte {
	uid := hex.EncodeToString([]byte(strconv.Itoa(a.uid)))
	return []byte("\x00AUTH EXTERNAL " + uid + "\r\n")
}

// Done reports whether the handshake has completed successfully. All
// bytes received after that belong to the message stream.
func (a *Authenticator) Done() bool { return a.state == authDone }

// SupportsUnixFDs reports whether the server agreed to Unix file
// descriptor passing. Only meaningful once Done reports true.
func (a *Authenticator) SupportsUnixFDs() bool { return a.fdsOK }

// Feed consumes bytes received from the transport and returns the
// bytes to send in response, if any.
//
// The handshake is strictly request/response: at most one server
// line may be pending at a time, so bytes beyond the expected line
// are a protocol violation. Errors are sticky and fatal.
func (a *Authenticator) Feed(p []byte) ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.state == authDone {
		return nil, a.fail(AuthError{Reason: "data received after handshake completion"})
	}

	a.buf = append(a.buf, p...)
	i := bytes.Index(a.buf, []byte("\r\n"))
	if i < 0 {
		if len(a.buf) > maxAuthLine {
			return nil, a.fail(AuthError{Reason: "response line too long"})
		}
		return nil, nil
	}
	line := string(a.buf[:i])
	a.buf = a.buf[i+2:]

	send, err := a.handleLine(line)
	if err != nil {
		return nil, a.fail(err)
	}
	if len(a.buf) > 0 {
		return nil, a.fail(AuthError{Reason: "unexpected data following response line", Line: line})
	}
	return send, nil
}

func (a *Authenticator) handleLine(line string) ([]byte, error) {
	switch a.state {
	case authWaitingOk:
		if !strings.HasPrefix(line, "OK ") {
			return nil, AuthError{Reason: "AUTH EXTERNAL rejected", Line: line}
		}
		if a.negotiateFDs {
			a.state = authWaitingAgreeFD
			return []byte("NEGOTIATE_UNIX_FD\r\n"), nil
		}
		a.state = authDone
		return []byte("BEGIN\r\n"), nil
	case authWaitingAgreeFD:
		if line != "AGREE_UNIX_FD" {
			return nil, AuthError{Reason: "NEGOTIATE_UNIX_FD rejected", Line: line}
		}
		a.fdsOK = true
		a.state = authDone
		return []byte("BEGIN\r\n"), nil
	}
	return nil, AuthError{Reason: "no response expected", Line: line}
}

func (a *Authenticator) fail(err error) error {
	a.state = authFailed
	a.err = err
	return err
}
