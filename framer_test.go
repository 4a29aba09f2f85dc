package dbuswire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danderson/dbuswire/fragments"
	"github.com/google/go-cmp/cmp"
)

func TestMessageMarshalKnownBytes(t *testing.T) {
	m := &Message{
		Type:      MsgSignal,
		Serial:    1,
		Path:      "/a",
		Interface: "b.c",
		Member:    "D",
	}
	got, err := m.Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		'l', 0x04, 0x00, 0x01, // flag, type, flags, version
		0x00, 0x00, 0x00, 0x00, // body length
		0x01, 0x00, 0x00, 0x00, // serial
		0x2a, 0x00, 0x00, 0x00, // field array length

		0x01, 0x01, 'o', 0x00, // PATH, sig "o"
		0x02, 0x00, 0x00, 0x00, '/', 'a', 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, // pad to struct

		0x02, 0x01, 's', 0x00, // INTERFACE, sig "s"
		0x03, 0x00, 0x00, 0x00, 'b', '.', 'c', 0x00,
		0x00, 0x00, 0x00, 0x00, // pad to struct

		0x03, 0x01, 's', 0x00, // MEMBER, sig "s"
		0x01, 0x00, 0x00, 0x00, 'D', 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad to body
	}
	if !bytes.Equal(got, want) {
		t.Errorf("wrong encoding:\n  got: % x\n want: % x", got, want)
	}

	f := &Framer{}
	msgs, err := f.Feed(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if diff := cmp.Diff(msgs[0], m, cmpOpts...); diff != "" {
		t.Errorf("parsed message differs from original (-got+want):\n%s", diff)
	}
}

func testMessages(t *testing.T) []*Message {
	t.Helper()
	call := &Message{
		Type:        MsgMethodCall,
		Serial:      1,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "RequestName",
		Destination: "org.freedesktop.DBus",
		Body:        []any{"com.example.Name", uint32(0)},
	}
	ret := &Message{
		Type:        MsgMethodReturn,
		Serial:      2,
		ReplySerial: 1,
		Sender:      "org.freedesktop.DBus",
		Body:        []any{uint32(1)},
	}
	errMsg := &Message{
		Type:        MsgError,
		Serial:      3,
		ReplySerial: 1,
		ErrName:     "org.freedesktop.DBus.Error.Failed",
		Body:        []any{"it failed"},
	}
	sig := &Message{
		Type:      MsgSignal,
		Serial:    4,
		Path:      "/org/freedesktop/portal/desktop",
		Interface: "org.freedesktop.portal.Settings",
		Member:    "SettingChanged",
		Body: []any{
			"org.freedesktop.appearance",
			map[string]Variant{"color-scheme": {MustParseSignature("u"), uint32(1)}},
		},
	}
	empty := &Message{
		Type:        MsgMethodReturn,
		Serial:      5,
		ReplySerial: 4,
	}
	nested := &Message{
		Type:      MsgSignal,
		Serial:    6,
		Path:      "/com/example",
		Interface: "com.example.Iface",
		Member:    "Structs",
		Body:      []any{[][]any{{byte(1), "one"}, {byte(2), "two"}}, int64(-5)},
	}
	return []*Message{call, ret, errMsg, sig, empty, nested}
}

// wantParsed adjusts a sent message to its expected parsed form:
// Marshal populates the signature, and a body-less message has a nil
// Files slice.
func wantParsed(t *testing.T, msgs []*Message) []*Message {
	t.Helper()
	for _, m := range msgs {
		if len(m.Body) > 0 && m.Signature.IsZero() {
			sig, err := SignatureOfAll(m.Body...)
			if err != nil {
				t.Fatal(err)
			}
			m.Signature = sig
		}
	}
	return msgs
}

func TestFramerRoundTrip(t *testing.T) {
	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		f := &Framer{}
		var got []*Message
		for _, m := range testMessages(t) {
			bs, err := m.Marshal(order)
			if err != nil {
				t.Fatal(err)
			}
			msgs, err := f.Feed(bs)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, msgs...)
		}
		want := wantParsed(t, testMessages(t))
		if diff := cmp.Diff(got, want, cmpOpts...); diff != "" {
			t.Errorf("messages changed in transit (-got+want):\n%s", diff)
		}
	}
}

func TestFramerOneByteAtATime(t *testing.T) {
	var stream []byte
	for _, m := range testMessages(t) {
		bs, err := m.Marshal(fragments.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, bs...)
	}

	f := &Framer{}
	var got []*Message
	for _, b := range stream {
		msgs, err := f.Feed([]byte{b})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, msgs...)
	}
	want := wantParsed(t, testMessages(t))
	if diff := cmp.Diff(got, want, cmpOpts...); diff != "" {
		t.Errorf("messages changed in transit (-got+want):\n%s", diff)
	}
}

func TestFramerSingleFeed(t *testing.T) {
	var stream []byte
	for _, m := range testMessages(t) {
		bs, err := m.Marshal(fragments.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, bs...)
	}

	f := &Framer{}
	got, err := f.Feed(stream)
	if err != nil {
		t.Fatal(err)
	}
	want := wantParsed(t, testMessages(t))
	if diff := cmp.Diff(got, want, cmpOpts...); diff != "" {
		t.Errorf("messages changed in transit (-got+want):\n%s", diff)
	}
}

func TestFramerStickyError(t *testing.T) {
	f := &Framer{}
	// 'x' is not a valid byte order flag, so this header can never
	// parse.
	bad := bytes.Repeat([]byte{'x'}, 16)
	_, err := f.Feed(bad)
	var fe FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("feeding garbage: got error %v, want FrameError", err)
	}

	// The stream is poisoned: even valid messages are rejected now.
	good, err := (&Message{Type: MsgSignal, Serial: 1, Path: "/a", Interface: "b.c", Member: "D"}).Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Feed(good); err == nil {
		t.Error("Feed after a frame error succeeded, want error")
	}
}

func TestFramerMessagesBeforeBadFrame(t *testing.T) {
	// A chunk can hold complete messages followed by a poison frame.
	// The completed messages are returned alongside the error, so
	// replies already on the wire are not lost during teardown.
	good, err := (&Message{Type: MsgSignal, Serial: 1, Path: "/a", Interface: "b.c", Member: "D"}).Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	stream := append(append([]byte{}, good...), bytes.Repeat([]byte{'x'}, 16)...)

	f := &Framer{}
	msgs, err := f.Feed(stream)
	if err == nil {
		t.Fatal("feeding a poisoned chunk succeeded, want error")
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages alongside the error, want 1", len(msgs))
	}
	if msgs[0].Member != "D" {
		t.Errorf("wrong message returned alongside the error: %v", msgs[0])
	}
}

func TestFramerUnsupportedVersion(t *testing.T) {
	bs, err := (&Message{Type: MsgSignal, Serial: 1, Path: "/a", Interface: "b.c", Member: "D"}).Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	bs[3] = 2 // future protocol version

	f := &Framer{}
	if _, err := f.Feed(bs); err == nil {
		t.Error("parsing an unsupported protocol version succeeded, want error")
	}
}

func TestFramerTrailingBodyBytes(t *testing.T) {
	bs, err := (&Message{
		Type:        MsgMethodReturn,
		Serial:      1,
		ReplySerial: 1,
		Body:        []any{uint32(7)},
	}).Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	// Declare four more body bytes than the signature describes.
	bs[4] += 4
	bs = append(bs, 0, 0, 0, 0)

	f := &Framer{}
	if _, err := f.Feed(bs); err == nil {
		t.Error("parsing a body with trailing bytes succeeded, want error")
	}
}

func TestFramerBodyWithoutSignature(t *testing.T) {
	bs, err := (&Message{Type: MsgSignal, Serial: 1, Path: "/a", Interface: "b.c", Member: "D"}).Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	// Declare a body this signature-less message does not describe.
	bs[4] = 4
	bs = append(bs, 0, 0, 0, 0)

	f := &Framer{}
	if _, err := f.Feed(bs); err == nil {
		t.Error("parsing a body without a signature succeeded, want error")
	}
}

func TestFramerFileAttachment(t *testing.T) {
	fd := NewFileDescriptor(-1)
	m := &Message{
		Type:        MsgMethodReturn,
		Serial:      1,
		ReplySerial: 1,
		Body:        []any{fd},
	}
	bs, err := m.Marshal(fragments.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}

	// Without a queued descriptor, the message must be rejected
	// rather than parsed with a dangling reference.
	f := &Framer{}
	if _, err := f.Feed(bs); err == nil {
		t.Fatal("parsing a message with a missing descriptor succeeded, want error")
	}

	f = &Framer{}
	f.AddFiles(fd)
	msgs, err := f.Feed(bs)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if len(msgs[0].Files) != 1 || msgs[0].Files[0] != fd {
		t.Errorf("message files = %v, want the attached descriptor", msgs[0].Files)
	}
	if got := msgs[0].Body[0]; got != fd {
		t.Errorf("body descriptor = %v, want the attached descriptor", got)
	}
}

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name string
		m    Message
		ok   bool
	}{
		{"zero serial", Message{Type: MsgSignal, Path: "/a", Interface: "b.c", Member: "D"}, false},
		{"zero type", Message{Serial: 1}, false},
		{"call", Message{Type: MsgMethodCall, Serial: 1, Path: "/a", Member: "D"}, true},
		{"call without path", Message{Type: MsgMethodCall, Serial: 1, Member: "D"}, false},
		{"call without member", Message{Type: MsgMethodCall, Serial: 1, Path: "/a"}, false},
		{"return", Message{Type: MsgMethodReturn, Serial: 1, ReplySerial: 1}, true},
		{"return without reply serial", Message{Type: MsgMethodReturn, Serial: 1}, false},
		{"error", Message{Type: MsgError, Serial: 1, ReplySerial: 1, ErrName: "a.b"}, true},
		{"error without name", Message{Type: MsgError, Serial: 1, ReplySerial: 1}, false},
		{"signal", Message{Type: MsgSignal, Serial: 1, Path: "/a", Interface: "b.c", Member: "D"}, true},
		{"signal without interface", Message{Type: MsgSignal, Serial: 1, Path: "/a", Member: "D"}, false},
		{"unknown type", Message{Type: MsgType(9), Serial: 1}, true},
	}
	for _, tc := range tests {
		err := tc.m.Valid()
		if tc.ok && err != nil {
			t.Errorf("%s: Valid() = %v, want nil", tc.name, err)
		} else if !tc.ok && err == nil {
			t.Errorf("%s: Valid() = nil, want error", tc.name)
		}
	}
}
