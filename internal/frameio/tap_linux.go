//go:build linux

package frameio

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca // TUNSETIFF
	iffTap     = 0x0002
	iffNoPI    = 0x1000
)

type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// TapIO implements FrameIO over a Linux TAP device.
type TapIO struct {
	f    *os.File
	name string
	mtu  int
}

// NewTap attaches to the TAP device named name, creating it if it does not
// exist; a device created here is not made persistent. IFF_NO_PI is set so frames carry no additional packet-info header,
// matching the raw ethernet framing the rest of the stack expects.
func NewTap(name string) (*TapIO, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}
	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetIff, uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), "tap-"+name)
	return &TapIO{f: f, name: name, mtu: DefaultMTU}, nil
}

func (t *TapIO) Name() string { return t.name }
func (t *TapIO) MTU() int     { return t.mtu }

func (t *TapIO) Recv(ctx context.Context, buf []byte) (int, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.f.SetReadDeadline(deadline)
		defer t.f.SetReadDeadline(time.Time{})
	} else {
		t.f.SetReadDeadline(time.Time{})
	}
	done := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.f.SetReadDeadline(time.Now())
			case <-done:
			}
		}()
		defer close(done)
	}
	n, err := t.f.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	return n, nil
}

func (t *TapIO) Send(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.f.SetWriteDeadline(deadline)
		defer t.f.SetWriteDeadline(time.Time{})
	}
	n, err := t.f.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return &ErrIncompleteFrame{Wanted: len(frame), Wrote: n}
	}
	return nil
}

func (t *TapIO) Close() error { return t.f.Close() }
