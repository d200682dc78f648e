// Package console buffers VM console output: an in-memory byte ring with
// live subscriptions for pattern waits, plus optional compressed capture to
// disk. One Buffer belongs to one VM handle; the handle appends everything
// it reads from the backend's console stream.
package console

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// maxBufferBytes caps the in-memory ring. Older bytes are discarded once the
// cap is reached; pattern waits only ever need a recent window.
const maxBufferBytes = 1 * 1024 * 1024

// Buffer is a byte ring with subscriber notification.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	subs   []chan []byte
	closed bool
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds console bytes to the ring and notifies subscribers. Slow
// subscribers miss chunks rather than blocking the appender.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.data = append(b.data, p...)
	if len(b.data) > maxBufferBytes {
		b.data = b.data[len(b.data)-maxBufferBytes:]
	}
	subs := make([]chan []byte, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	chunk := make([]byte, len(p))
	copy(chunk, p)
	for _, ch := range subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Contents returns a copy of everything currently buffered.
func (b *Buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Subscribe returns a channel receiving future appended chunks plus an
// unsubscribe function.
func (b *Buffer) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs = append(b.subs, ch)
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// WaitFor blocks until pattern appears in the console output or the timeout
// elapses. Bytes already buffered count, so a pattern that raced ahead of
// the call is still found. The scan window spans chunk boundaries.
func (b *Buffer) WaitFor(ctx context.Context, pattern []byte, timeout time.Duration) error {
	if len(pattern) == 0 {
		return nil
	}

	ch, unsub := b.Subscribe()
	defer unsub()

	window := b.Contents()
	if bytes.Contains(window, pattern) {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return vmkiterr.Wrap(vmkiterr.KindTimeout, ctx.Err(), "console wait cancelled")
		case <-deadline.C:
			return vmkiterr.ErrPatternNotFound
		case chunk, ok := <-ch:
			if !ok {
				return vmkiterr.ErrPatternNotFound
			}
			window = append(window, chunk...)
			if bytes.Contains(window, pattern) {
				return nil
			}
			// Keep only the tail that could still prefix a future match.
			if len(window) > len(pattern)*2 && len(window) > 64*1024 {
				window = window[len(window)-len(pattern):]
			}
		}
	}
}

// Close closes all subscriber channels. Further appends are dropped.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
