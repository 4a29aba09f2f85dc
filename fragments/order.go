package fragments

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a byte order that can encode and decode DBus wire
// data, and knows its DBus byte order flag.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) dbusFlag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unknown ByteOrder, how did you manage to make one of those?")
	}
}

var (
	BigEndian    = wrapStd{binary.BigEndian}
	LittleEndian = wrapStd{binary.LittleEndian}
	NativeEndian = wrapStd{binary.NativeEndian}
)

// OrderForFlag returns the ByteOrder matching a DBus byte order flag
// byte, 'l' for little endian or 'B' for big endian.
func OrderForFlag(flag byte) (ByteOrder, error) {
	switch flag {
	case 'B':
		return BigEndian, nil
	case 'l':
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order flag %q", flag)
	}
}
