package console

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Capture pumps a backend console stream into a Buffer and, if a log path
// is configured, a zstd-compressed capture file. The compressed file is the
// durable record; the Buffer serves live readers and pattern waits.
type Capture struct {
	buf *Buffer

	mu  sync.Mutex
	enc *zstd.Encoder
	f   *os.File

	done chan struct{}
}

// StartCapture begins draining r in the background. logPath may be empty to
// skip disk persistence (pool spares, throwaway test VMs).
func StartCapture(r io.Reader, logPath string) (*Capture, error) {
	c := &Capture{buf: NewBuffer(), done: make(chan struct{})}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return nil, err
		}
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		c.f = f
		c.enc = enc
	}

	go c.pump(r)
	return c, nil
}

func (c *Capture) pump(r io.Reader) {
	defer close(c.done)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.buf.Append(buf[:n])
			c.mu.Lock()
			if c.enc != nil {
				if _, werr := c.enc.Write(buf[:n]); werr != nil {
					log.Printf("console: capture write failed: %v", werr)
					c.closeFileLocked()
				}
			}
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Buffer returns the live console buffer.
func (c *Capture) Buffer() *Buffer { return c.buf }

// Done is closed when the source stream ends.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Close flushes and closes the capture file and the buffer. The source
// stream is not closed; the owner of the console stream does that.
func (c *Capture) Close() error {
	c.mu.Lock()
	c.closeFileLocked()
	c.mu.Unlock()
	c.buf.Close()
	return nil
}

func (c *Capture) closeFileLocked() {
	if c.enc != nil {
		c.enc.Close()
		c.enc = nil
	}
	if c.f != nil {
		c.f.Close()
		c.f = nil
	}
}
