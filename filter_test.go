package dbuswire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testSignal(path ObjectPath, iface, member string, body ...any) *Message {
	return &Message{
		Type:      MsgSignal,
		Serial:    1,
		Sender:    ":1.42",
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}

func TestFilterMatches(t *testing.T) {
	portal := testSignal("/org/freedesktop/portal/desktop", "org.freedesktop.portal.Settings", "SettingChanged",
		"org.freedesktop.appearance", "color-scheme")

	tests := []struct {
		name string
		f    *Filter
		m    *Message
		want bool
	}{
		{
			"empty filter matches all signals",
			NewFilter(),
			portal,
			true,
		},
		{
			"empty filter rejects non-signals",
			NewFilter(),
			&Message{Type: MsgMethodCall, Serial: 1, Path: "/a", Member: "M"},
			false,
		},
		{
			"explicit type",
			NewFilter().Type(MsgMethodCall),
			&Message{Type: MsgMethodCall, Serial: 1, Path: "/a", Member: "M"},
			true,
		},
		{
			"any type",
			NewFilter().Type(0),
			&Message{Type: MsgMethodReturn, Serial: 1, ReplySerial: 1},
			true,
		},
		{
			"sender match",
			NewFilter().Sender(":1.42"),
			portal,
			true,
		},
		{
			"sender mismatch",
			NewFilter().Sender(":1.43"),
			portal,
			false,
		},
		{
			"object match",
			NewFilter().Object("/org/freedesktop/portal/desktop"),
			portal,
			true,
		},
		{
			"object mismatch on parent",
			NewFilter().Object("/org/freedesktop/portal"),
			portal,
			false,
		},
		{
			"namespace matches itself",
			NewFilter().ObjectNamespace("/org/freedesktop/portal/desktop"),
			portal,
			true,
		},
		{
			"namespace matches descendant",
			NewFilter().ObjectNamespace("/org/freedesktop/portal"),
			portal,
			true,
		},
		{
			"namespace is segment-wise",
			NewFilter().ObjectNamespace("/org/freedesktop/por"),
			portal,
			false,
		},
		{
			"root namespace matches everything",
			NewFilter().ObjectNamespace("/"),
			portal,
			true,
		},
		{
			"interface and member",
			NewFilter().Interface("org.freedesktop.portal.Settings").Member("SettingChanged"),
			portal,
			true,
		},
		{
			"member mismatch",
			NewFilter().Member("SettingDeleted"),
			portal,
			false,
		},
		{
			"arg string match",
			NewFilter().ArgStr(0, "org.freedesktop.appearance").ArgStr(1, "color-scheme"),
			portal,
			true,
		},
		{
			"arg string mismatch",
			NewFilter().ArgStr(0, "org.freedesktop.background"),
			portal,
			false,
		},
		{
			"arg index out of range",
			NewFilter().ArgStr(5, "x"),
			portal,
			false,
		},
		{
			"arg not a string",
			NewFilter().ArgStr(0, "42"),
			testSignal("/a", "b.c", "D", uint32(42)),
			false,
		},
		{
			"arg0 namespace exact",
			NewFilter().Arg0Namespace("org.freedesktop.appearance"),
			portal,
			true,
		},
		{
			"arg0 namespace prefix",
			NewFilter().Arg0Namespace("org.freedesktop"),
			portal,
			true,
		},
		{
			"arg0 namespace is dot-wise",
			NewFilter().Arg0Namespace("org.freedesk"),
			portal,
			false,
		},
		{
			"argpath equal",
			NewFilter().ArgPathPrefix(0, "/com/example/doc"),
			testSignal("/a", "b.c", "D", ObjectPath("/com/example/doc")),
			true,
		},
		{
			"argpath filter is prefix",
			NewFilter().ArgPathPrefix(0, "/com/example/"),
			testSignal("/a", "b.c", "D", "/com/example/doc"),
			true,
		},
		{
			"argpath value is prefix",
			NewFilter().ArgPathPrefix(0, "/com/example/doc"),
			testSignal("/a", "b.c", "D", "/com/example/"),
			true,
		},
		{
			"argpath needs slash boundary",
			NewFilter().ArgPathPrefix(0, "/com/example"),
			testSignal("/a", "b.c", "D", "/com/example/doc"),
			false,
		},
	}
	for _, tc := range tests {
		got := tc.f.Matches(tc.m)
		tc.f.Close()
		if got != tc.want {
			t.Errorf("%s: Matches() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilterRule(t *testing.T) {
	f := NewFilter().
		Sender("org.freedesktop.portal.Desktop").
		ObjectNamespace("/org/freedesktop/portal").
		Interface("org.freedesktop.portal.Settings").
		Member("SettingChanged").
		ArgStr(0, "org.freedesktop.appearance")
	defer f.Close()

	want := "type='signal',sender='org.freedesktop.portal.Desktop',path_namespace='/org/freedesktop/portal',interface='org.freedesktop.portal.Settings',member='SettingChanged',arg0='org.freedesktop.appearance'"
	if got := f.Rule(); got != want {
		t.Errorf("Rule() =\n  %s\nwant\n  %s", got, want)
	}
}

func TestFilterRuleEscaping(t *testing.T) {
	f := NewFilter().ArgStr(0, "it's")
	defer f.Close()
	want := `type='signal',arg0='it'\''s'`
	if got := f.Rule(); got != want {
		t.Errorf("Rule() = %s, want %s", got, want)
	}
}

func TestFilterDelivery(t *testing.T) {
	f := NewFilter()
	defer f.Close()

	want := []*Message{
		testSignal("/a", "b.c", "One"),
		testSignal("/a", "b.c", "Two"),
		testSignal("/a", "b.c", "Three"),
	}
	for _, m := range want {
		f.deliver(m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, w := range want {
		got, err := f.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Errorf("message %d = %v, want %v", i, got.Member, w.Member)
		}
	}
}

func TestFilterOverflow(t *testing.T) {
	f := NewFilter()
	defer f.Close()

	const total = 50
	for range total {
		f.deliver(testSignal("/a", "b.c", "D"))
	}

	received := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err := f.Next(ctx)
		cancel()
		if err != nil {
			break
		}
		received++
	}

	dropped := f.Dropped()
	if dropped == 0 {
		t.Error("Dropped() = 0, want overflow after an undrained burst")
	}
	if received+dropped != total {
		t.Errorf("received %d + dropped %d != delivered %d", received, dropped, total)
	}
}

func TestFilterClose(t *testing.T) {
	f := NewFilter()
	f.deliver(testSignal("/a", "b.c", "D"))
	f.Close()
	f.Close() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Next(ctx); !errors.Is(err, ErrFilterClosed) {
		t.Errorf("Next after Close = %v, want ErrFilterClosed", err)
	}

	// Delivery after close is discarded, not queued.
	f.deliver(testSignal("/a", "b.c", "D"))
}

func TestFilterCloseConcurrent(t *testing.T) {
	// A filter's creator and a router teardown may both close the
	// same filter at the same time; both must return cleanly.
	for range 100 {
		f := NewFilter()
		f.deliver(testSignal("/a", "b.c", "D"))

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.Close()
			}()
		}
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, err := f.Next(ctx); !errors.Is(err, ErrFilterClosed) {
			t.Fatalf("Next after concurrent Close = %v, want ErrFilterClosed", err)
		}
		cancel()
	}
}
