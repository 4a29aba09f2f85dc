package dbuswire_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/dbustest"
	"github.com/google/go-cmp/cmp"
)

func testConn(t *testing.T, bus *dbustest.Bus, opts dbuswire.ConnOptions) *dbuswire.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dbuswire.NewConn(ctx, bus.Transport(), opts)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Hello(ctx); err != nil {
		t.Fatalf("registering with test bus: %v", err)
	}
	return conn
}

func TestConnCall(t *testing.T) {
	bus := dbustest.New(t)
	bus.Handle("com.example.Calc", "Add", func(m *dbuswire.Message) ([]any, error) {
		a := m.Body[0].(int32)
		b := m.Body[1].(int32)
		return []any{a + b}, nil
	})

	conn := testConn(t, bus, dbuswire.ConnOptions{NegotiateUnixFDs: true})
	if !conn.SupportsUnixFDs() {
		t.Error("SupportsUnixFDs() = false after negotiation")
	}
	if got := conn.LocalName(); got != ":1.1" {
		t.Errorf("LocalName() = %q, want :1.1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ret, err := conn.Call(ctx, "com.example.Calc", "/com/example/Calc", "com.example.Calc", "Add", int32(2), int32(3))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ret, []any{int32(5)}); diff != "" {
		t.Errorf("wrong reply body (-got+want):\n%s", diff)
	}
}

func TestConnCallError(t *testing.T) {
	bus := dbustest.New(t)
	bus.Handle("com.example.Calc", "Div", func(m *dbuswire.Message) ([]any, error) {
		return nil, dbuswire.CallError{
			Name: "com.example.Calc.Error.DivByZero",
			Body: []any{"division by zero"},
		}
	})

	conn := testConn(t, bus, dbuswire.ConnOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.Call(ctx, "com.example.Calc", "/com/example/Calc", "com.example.Calc", "Div", int32(1), int32(0))
	var ce dbuswire.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("got error %v, want CallError", err)
	}
	if ce.Name != "com.example.Calc.Error.DivByZero" {
		t.Errorf("error name = %q", ce.Name)
	}
	if ce.Detail() != "division by zero" {
		t.Errorf("error detail = %q", ce.Detail())
	}

	// Calls to methods nobody registered come back as UnknownMethod.
	_, err = conn.Call(ctx, "com.example.Calc", "/com/example/Calc", "com.example.Calc", "Nope")
	if !errors.As(err, &ce) {
		t.Fatalf("got error %v, want CallError", err)
	}
	if ce.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Errorf("error name = %q, want UnknownMethod", ce.Name)
	}
}

func TestConnSignals(t *testing.T) {
	bus := dbustest.New(t)
	conn := testConn(t, bus, dbuswire.ConnOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := dbuswire.NewFilter().
		ObjectNamespace("/com/example").
		Interface("com.example.Iface")
	defer f.Close()
	if err := conn.Subscribe(ctx, f); err != nil {
		t.Fatal(err)
	}

	if err := bus.Emit(dbuswire.NewSignal("/com/example/obj", "com.example.Iface", "Ping", "hello")); err != nil {
		t.Fatal(err)
	}
	got, err := f.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Member != "Ping" || len(got.Body) != 1 || got.Body[0] != "hello" {
		t.Errorf("received signal %v %v, want Ping(hello)", got.Member, got.Body)
	}

	// Signals outside the subscribed namespace are not delivered.
	if err := bus.Emit(dbuswire.NewSignal("/org/elsewhere", "com.example.Iface", "Ping")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Emit(dbuswire.NewSignal("/com/example/obj", "com.example.Iface", "Pong")); err != nil {
		t.Fatal(err)
	}
	got, err = f.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Member != "Pong" {
		t.Errorf("received signal %v, want Pong", got.Member)
	}

	if err := conn.Unsubscribe(ctx, f); err != nil {
		t.Fatal(err)
	}
}

func TestConnUnhandled(t *testing.T) {
	bus := dbustest.New(t)
	stray := make(chan *dbuswire.Message, 1)
	testConn(t, bus, dbuswire.ConnOptions{
		Unhandled: func(m *dbuswire.Message) {
			select {
			case stray <- m:
			default:
			}
		},
	})

	if err := bus.Emit(dbuswire.NewSignal("/com/example", "com.example.Iface", "Ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-stray:
		if m.Member != "Ping" {
			t.Errorf("stray message %v, want Ping", m.Member)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unmatched signal never reached the catch-all")
	}
}

func TestConnClose(t *testing.T) {
	bus := dbustest.New(t)
	conn := testConn(t, bus, dbuswire.ConnOptions{})

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if _, err := conn.Send(dbuswire.NewMethodCall("a.b", "/a", "a.b", "M")); err == nil {
		t.Error("Send after Close succeeded, want error")
	}
}

func TestConnEmitSignal(t *testing.T) {
	bus := dbustest.New(t)
	conn := testConn(t, bus, dbuswire.ConnOptions{})

	// Fire-and-forget: nothing to assert beyond a successful write,
	// the test bus discards signals it receives.
	if err := conn.EmitSignal("/com/example", "com.example.Iface", "Ready", uint32(1)); err != nil {
		t.Fatal(err)
	}
}
