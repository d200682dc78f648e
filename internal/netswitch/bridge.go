package netswitch

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/vmkit/internal/frameio"
)

// Bridge splices a VM's guest-facing frame transport to a switch port,
// running two cooperative tasks: guest -> switch.broadcast, and
// switch.recv -> guest. The bridge terminates when either leg errors or ctx
// is cancelled; the other leg is cancelled in turn via the errgroup.
type Bridge struct {
	hostIO frameio.FrameIO
	port   *Port
}

// NewBridge constructs a bridge between a host-side frame transport and a
// switch port. The caller is responsible for attaching the frame transport's
// other end (e.g. the socketpair's guest fd) to the hypervisor.
func NewBridge(hostIO frameio.FrameIO, port *Port) *Bridge {
	return &Bridge{hostIO: hostIO, port: port}
}

// AttachVM joins a VM to the named switch: it creates a port, a datagram
// socketpair whose guest end is handed to the hypervisor as the VM's
// network device, and a bridge splicing the host end to the port. The
// caller runs the bridge and closes the port when the VM goes away.
func AttachVM(name string) (*Port, int, *Bridge, error) {
	sw := GetOrCreate(name)
	port := sw.CreatePort()
	hostIO, guestFd, err := frameio.NewSocketPair()
	if err != nil {
		port.Close()
		return nil, -1, nil, err
	}
	return port, guestFd, NewBridge(hostIO, port), nil
}

// Run blocks until the bridge terminates (ctx cancellation or a transport
// error). Closing the port from elsewhere does not end it. It always closes
// the port before returning.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.port.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf := make([]byte, MaxFrameSize)
		for {
			n, err := b.hostIO.Recv(ctx, buf)
			if err != nil {
				return err
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			b.port.Send(frame)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame, ok := <-b.port.Recv():
				if !ok {
					return nil
				}
				if err := b.hostIO.Send(ctx, frame); err != nil {
					log.Printf("netswitch bridge: write to guest failed: %v", err)
					return err
				}
			}
		}
	})

	return g.Wait()
}
