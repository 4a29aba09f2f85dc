// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus wire data.
//
// The provided encoder and decoder are very low level, and do not
// enforce any DBus semantics beyond alignment and the array size
// limit. It is the caller's responsibility to produce valid DBus
// messages using these tools.
package fragments
