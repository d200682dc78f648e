package handle

import (
	"context"
	"io"
	"time"

	"github.com/xfeldman/vmkit/internal/console"
	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// Console is the single console attachment a handle allows: reads come out
// of the capture buffer (so a pattern that raced ahead of the reader is not
// lost), writes go straight to the guest.
type Console struct {
	writer   io.Writer
	capture  *console.Capture
	recv     <-chan []byte
	unsub    func()
	leftover []byte
}

// Console acquires the VM's console. Fails with ErrConsoleNotEnabled if the
// config did not enable a console, and with ErrConsoleTaken on any call
// after the first successful acquisition.
func (h *VmHandle) Console(ctx context.Context) (*Console, error) {
	if !h.cfg.ConsoleEnabled {
		return nil, vmkiterr.ErrConsoleNotEnabled
	}

	h.consoleMu.Lock()
	defer h.consoleMu.Unlock()
	if h.consoleTaken {
		return nil, vmkiterr.ErrConsoleTaken
	}

	h.mu.Lock()
	backend := h.backend
	h.mu.Unlock()
	if backend == nil {
		return nil, vmkiterr.ErrNotRunning
	}

	stream, err := backend.ConsoleStream(ctx)
	if err != nil {
		return nil, err
	}

	capture, err := console.StartCapture(stream, "")
	if err != nil {
		return nil, err
	}
	recv, unsub := capture.Buffer().Subscribe()

	h.consoleTaken = true
	return &Console{writer: stream, capture: capture, recv: recv, unsub: unsub}, nil
}

// Read returns console output as it arrives.
func (c *Console) Read(p []byte) (int, error) {
	if len(c.leftover) == 0 {
		chunk, ok := <-c.recv
		if !ok {
			return 0, io.EOF
		}
		c.leftover = chunk
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write sends bytes to the guest console.
func (c *Console) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// WaitFor blocks until pattern appears in the console output (including
// bytes that arrived before the call) or timeout elapses.
func (c *Console) WaitFor(ctx context.Context, pattern string, timeout time.Duration) error {
	return c.capture.Buffer().WaitFor(ctx, []byte(pattern), timeout)
}

// Close releases the console subscription and capture. The underlying
// backend stream stays owned by the VM.
func (c *Console) Close() error {
	c.unsub()
	return c.capture.Close()
}
