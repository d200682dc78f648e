package frameio

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// SocketPairIO implements FrameIO over one end of a SOCK_DGRAM Unix
// socketpair. The other end is attached to the hypervisor as its guest
// network device fd; the datagram socket preserves frame boundaries
// without any extra framing.
type SocketPairIO struct {
	f   *os.File
	mtu int
}

// NewSocketPair creates a connected pair of SOCK_DGRAM sockets and wraps
// both ends. The caller passes fds[1] (guestFd) to the hypervisor and keeps
// fds[0] (hostFd) wrapped as the returned *SocketPairIO.
func NewSocketPair() (host *SocketPairIO, guestFd int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, -1, fmt.Errorf("set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fds[0]), "frameio-socketpair")
	return &SocketPairIO{f: f, mtu: DefaultMTU}, fds[1], nil
}

func (s *SocketPairIO) MTU() int { return s.mtu }

func (s *SocketPairIO) Recv(ctx context.Context, buf []byte) (int, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.f.SetReadDeadline(deadline)
		defer s.f.SetReadDeadline(time.Time{})
	} else {
		s.f.SetReadDeadline(time.Time{})
	}
	done := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.f.SetReadDeadline(time.Now())
			case <-done:
			}
		}()
		defer close(done)
	}
	n, err := s.f.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	return n, nil
}

func (s *SocketPairIO) Send(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.f.SetWriteDeadline(deadline)
		defer s.f.SetWriteDeadline(time.Time{})
	}
	n, err := s.f.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return &ErrIncompleteFrame{Wanted: len(frame), Wrote: n}
	}
	return nil
}

func (s *SocketPairIO) Close() error { return s.f.Close() }
