package dbuswire

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileDescriptor is a file descriptor received from, or destined
// for, the bus.
//
// Each FileDescriptor owns its underlying descriptor until exactly
// one terminal operation occurs: [FileDescriptor.Close] releases it,
// and the conversions ([FileDescriptor.Raw], [FileDescriptor.File])
// hand ownership to the caller. Any use after a terminal operation
// fails with [ErrFDClosed] or [ErrFDConverted].
type FileDescriptor struct {
	mu    sync.Mutex
	fd    int
	state fdState
}

type fdState uint8

const (
	fdOpen fdState = iota
	fdClosed
	fdConverted
)

// NewFileDescriptor wraps a raw descriptor. The returned wrapper
// assumes ownership of fd.
func NewFileDescriptor(fd int) *FileDescriptor {
	return &FileDescriptor{fd: fd}
}

// Fd returns the raw descriptor number without transferring
// ownership. The descriptor remains owned by the wrapper, and the
// returned number is only usable until a terminal operation occurs.
func (f *FileDescriptor) Fd() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}
	return f.fd, nil
}

// Raw returns the raw descriptor number and transfers ownership of
// it to the caller. The wrapper is unusable afterwards.
func (f *FileDescriptor) Raw() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}
	f.state = fdConverted
	return f.fd, nil
}

// File converts the descriptor to an [os.File], which assumes
// ownership of it. The wrapper is unusable afterwards.
func (f *FileDescriptor) File(name string) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(f.fd), name)
	if file == nil {
		return nil, fmt.Errorf("invalid file descriptor %d", f.fd)
	}
	f.state = fdConverted
	return file, nil
}

// Close releases the descriptor. Closing an already closed
// descriptor is a no-op; closing a converted one fails with
// [ErrFDConverted], since the wrapper no longer owns it.
func (f *FileDescriptor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case fdClosed:
		return nil
	case fdConverted:
		return ErrFDConverted
	}
	f.state = fdClosed
	return unix.Close(f.fd)
}

func (f *FileDescriptor) usable() error {
	switch f.state {
	case fdClosed:
		return ErrFDClosed
	case fdConverted:
		return ErrFDConverted
	}
	return nil
}

func (f *FileDescriptor) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case fdClosed:
		return "fd(closed)"
	case fdConverted:
		return "fd(converted)"
	}
	return fmt.Sprintf("fd(%d)", f.fd)
}

// File descriptors travel in SCM_RIGHTS control messages as a packed
// array of native-endian C ints.
const sizeofInt = 4

// ParseRights decodes the payload of an SCM_RIGHTS control message
// into owned FileDescriptors. A trailing partial integer is
// truncated, matching kernel behavior for short control buffers.
func ParseRights(data []byte) []*FileDescriptor {
	ret := make([]*FileDescriptor, 0, len(data)/sizeofInt)
	for len(data) >= sizeofInt {
		fd := int(int32(binary.NativeEndian.Uint32(data)))
		data = data[sizeofInt:]
		ret = append(ret, NewFileDescriptor(fd))
	}
	return ret
}
