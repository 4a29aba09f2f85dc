package dbuswire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestAuthenticatorInitialData(t *testing.T) {
	a := NewAuthenticator(1000, false)
	// uid 1000 hex-encodes as "31303030".
	want := []byte("\x00AUTH EXTERNAL 31303030\r\n")
	if got := a.InitialData(); !bytes.Equal(got, want) {
		t.Errorf("InitialData() = %q, want %q", got, want)
	}
}

func TestAuthenticatorHandshake(t *testing.T) {
	a := NewAuthenticator(0, false)
	send, err := a.Feed([]byte("OK d8e8fca2dc0f896fd7cb4cb0031ba2\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("BEGIN\r\n"); !bytes.Equal(send, want) {
		t.Errorf("response to OK = %q, want %q", send, want)
	}
	if !a.Done() {
		t.Error("Done() = false after BEGIN")
	}
	if a.SupportsUnixFDs() {
		t.Error("SupportsUnixFDs() = true, fd passing was never negotiated")
	}
}

func TestAuthenticatorUnixFDNegotiation(t *testing.T) {
	a := NewAuthenticator(0, true)
	send, err := a.Feed([]byte("OK d8e8fca2dc0f896fd7cb4cb0031ba2\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("NEGOTIATE_UNIX_FD\r\n"); !bytes.Equal(send, want) {
		t.Errorf("response to OK = %q, want %q", send, want)
	}
	if a.Done() {
		t.Fatal("Done() = true before fd negotiation finished")
	}

	send, err = a.Feed([]byte("AGREE_UNIX_FD\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("BEGIN\r\n"); !bytes.Equal(send, want) {
		t.Errorf("response to AGREE_UNIX_FD = %q, want %q", send, want)
	}
	if !a.Done() {
		t.Error("Done() = false after BEGIN")
	}
	if !a.SupportsUnixFDs() {
		t.Error("SupportsUnixFDs() = false after AGREE_UNIX_FD")
	}
}

func TestAuthenticatorSplitLines(t *testing.T) {
	a := NewAuthenticator(0, false)
	for _, chunk := range []string{"O", "K d8e8", "fca2", "\r", "\n"} {
		send, err := a.Feed([]byte(chunk))
		if err != nil {
			t.Fatalf("feeding %q: %v", chunk, err)
		}
		if len(send) > 0 && !bytes.Equal(send, []byte("BEGIN\r\n")) {
			t.Errorf("unexpected response %q", send)
		}
	}
	if !a.Done() {
		t.Error("Done() = false after reassembled OK line")
	}
}

func TestAuthenticatorErrors(t *testing.T) {
	tests := []struct {
		name         string
		negotiateFDs bool
		feeds        []string
	}{
		{"rejected", false, []string{"REJECTED EXTERNAL\r\n"}},
		{"error response", false, []string{"ERROR\r\n"}},
		{"fd negotiation rejected", true, []string{"OK guid\r\n", "ERROR\r\n"}},
		{"trailing bytes after line", false, []string{"OK guid\r\nl\x01\x00\x01"}},
		{"trailing bytes split", true, []string{"OK guid\r\nAGREE_UNIX_FD\r\n"}},
		{"line too long", false, []string{strings.Repeat("x", maxAuthLine+1)}},
	}
	for _, tc := range tests {
		a := NewAuthenticator(0, tc.negotiateFDs)
		var err error
		for _, chunk := range tc.feeds {
			if _, err = a.Feed([]byte(chunk)); err != nil {
				break
			}
		}
		var ae AuthError
		if !errors.As(err, &ae) {
			t.Errorf("%s: got error %v, want AuthError", tc.name, err)
			continue
		}
		if a.Done() {
			t.Errorf("%s: Done() = true after failure", tc.name)
		}
		// Errors are sticky.
		if _, again := a.Feed([]byte("OK guid\r\n")); again == nil {
			t.Errorf("%s: Feed after failure succeeded, want error", tc.name)
		}
	}
}

func TestAuthenticatorDataAfterDone(t *testing.T) {
	a := NewAuthenticator(0, false)
	if _, err := a.Feed([]byte("OK guid\r\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Feed([]byte("x")); err == nil {
		t.Error("Feed after handshake completion succeeded, want error")
	}
}
