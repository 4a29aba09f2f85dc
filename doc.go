// Package dbuswire implements the client side of the DBus wire
// protocol: the binary message codec, the SASL authentication
// handshake, and the routing layer that correlates method calls with
// their replies and delivers signals to filters, all over a single
// duplex byte stream.
//
// The engine is transport and concurrency agnostic. [Authenticator]
// and [Framer] are pure sequential state machines that consume and
// produce bytes; [Router] correlates parsed messages. Any event
// loop, thread or task scheduler can drive them, subject to one
// rule: a single reader owns the byte stream at a time.
//
// [Conn] binds the engine to the common multi-threaded model, with a
// background goroutine owning the socket read loop while arbitrary
// goroutines send messages and block on their own pending calls.
// [SystemBus] and [SessionBus] produce ready-to-use bus connections.
//
// The package deliberately stops below the object/proxy layer: it
// has no notion of introspection, properties, or exported objects,
// only messages.
package dbuswire
