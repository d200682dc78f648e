package vmm

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/mdlayher/vsock"
)

// VsockSocketPath is where a guest vsock port surfaces on the host: a Unix
// stream socket whose name carries the stable per-VM identifier and the
// decimal port. Connecting to it yields a stream bridged to the guest port.
func VsockSocketPath(dir, vmID string, port uint32) string {
	return filepath.Join(dir, fmt.Sprintf("vmkit-%s-%d.sock", vmID, port))
}

// VsockDialer opens a stream to the given guest vsock port. Backends plug
// in their own transport (a real AF_VSOCK dial, or a hypervisor-mediated
// socket); tests plug in an in-memory pipe.
type VsockDialer func(ctx context.Context, port uint32) (io.ReadWriteCloser, error)

// DialGuestVsock is the default dialer for backends whose guest is
// reachable over the host's AF_VSOCK address family.
func DialGuestVsock(cid uint32) VsockDialer {
	return func(ctx context.Context, port uint32) (io.ReadWriteCloser, error) {
		return vsock.Dial(cid, port, nil)
	}
}

// VsockExposer maintains the host-local Unix listeners for one VM's
// configured vsock ports.
type VsockExposer struct {
	dir  string
	vmID string
	dial VsockDialer

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewVsockExposer creates an exposer rooted at dir for the given VM.
func NewVsockExposer(dir, vmID string, dial VsockDialer) *VsockExposer {
	return &VsockExposer{dir: dir, vmID: vmID, dial: dial}
}

// Expose sets up one Unix listener per guest-listening port. Ports where
// the host listens are served by ListenHost instead; they are skipped here.
func (e *VsockExposer) Expose(ctx context.Context, ports []VsockPort) error {
	if err := os.MkdirAll(e.dir, 0700); err != nil {
		return err
	}
	for _, p := range ports {
		if p.Direction != GuestListens {
			continue
		}
		path := VsockSocketPath(e.dir, e.vmID, p.Port)
		os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			e.Close()
			return fmt.Errorf("listen %s: %w", path, err)
		}
		e.mu.Lock()
		e.listeners = append(e.listeners, ln)
		e.mu.Unlock()
		go e.acceptLoop(ctx, ln, p.Port)
	}
	return nil
}

func (e *VsockExposer) acceptLoop(ctx context.Context, ln net.Listener, port uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			guest, err := e.dial(ctx, port)
			if err != nil {
				log.Printf("vsock: dial guest port %d: %v", port, err)
				return
			}
			defer guest.Close()
			go io.Copy(guest, conn)
			io.Copy(conn, guest)
		}()
	}
}

// ListenHost serves the host-listening direction: inbound guest connections
// to a host vsock port are bridged to the Unix socket at target, where a
// host application is expected to be listening.
func ListenHost(ctx context.Context, port uint32, target string) error {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("listen vsock port %d: %w", port, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				local, err := net.Dial("unix", target)
				if err != nil {
					log.Printf("vsock: host port %d: dial %s: %v", port, target, err)
					return
				}
				defer local.Close()
				go io.Copy(local, conn)
				io.Copy(conn, local)
			}()
		}
	}()
	return nil
}

// Close tears down every listener and removes the socket files.
func (e *VsockExposer) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ln := range e.listeners {
		addr := ln.Addr().String()
		ln.Close()
		os.Remove(addr)
	}
	e.listeners = nil
}
