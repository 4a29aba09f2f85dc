package dbuswire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danderson/dbuswire/transport"
)

// SystemBus connects to the system bus and registers with it.
func SystemBus(ctx context.Context) (*Conn, error) {
	return connectBus(ctx, "/run/dbus/system_bus_socket")
}

// SessionBus connects to the current user's session bus and
// registers with it, using the address advertised in
// DBUS_SESSION_BUS_ADDRESS.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	path, err := ParseBusAddress(addr)
	if err != nil {
		return nil, err
	}
	return connectBus(ctx, path)
}

// ParseBusAddress extracts a connectable Unix socket path from a
// DBus address string: a ;-separated list of transports, of which
// the unix:path= and unix:abstract= forms are supported. Abstract
// socket names are returned with a leading @.
func ParseBusAddress(addr string) (string, error) {
	for _, uri := range strings.Split(addr, ";") {
		if path, ok := strings.CutPrefix(uri, "unix:path="); ok {
			return firstAddressValue(path), nil
		}
		if name, ok := strings.CutPrefix(uri, "unix:abstract="); ok {
			return "@" + firstAddressValue(name), nil
		}
	}
	return "", fmt.Errorf("no usable unix transport in bus address %q", addr)
}

// firstAddressValue trims any trailing ,key=value pairs from an
// address component.
func firstAddressValue(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[:i]
	}
	return s
}

func connectBus(ctx context.Context, path string) (*Conn, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(ctx, t, ConnOptions{NegotiateUnixFDs: true})
	if err != nil {
		return nil, err
	}
	if err := c.Hello(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
