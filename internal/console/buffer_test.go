package console

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestBufferAppendContents(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	if got := string(b.Contents()); got != "hello world" {
		t.Fatalf("contents = %q", got)
	}
}

func TestWaitForExistingBytes(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("boot ok\n"))
	if err := b.WaitFor(context.Background(), []byte("boot ok"), time.Second); err != nil {
		t.Fatalf("pattern already present, got %v", err)
	}
}

func TestWaitForArrivingBytes(t *testing.T) {
	b := NewBuffer()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Append([]byte("hello-"))
		time.Sleep(20 * time.Millisecond)
		b.Append([]byte("from-test\n"))
	}()
	// Pattern straddles the two appended chunks.
	if err := b.WaitFor(context.Background(), []byte("hello-from-test"), 2*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitForTimeout(t *testing.T) {
	b := NewBuffer()
	err := b.WaitFor(context.Background(), []byte("never"), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCaptureWritesCompressedLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "console.zst")

	pr, pw := io.Pipe()
	c, err := StartCapture(pr, logPath)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}

	pw.Write([]byte("kernel: booting\n"))
	pw.Close()
	<-c.Done()
	c.Close()

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "kernel: booting\n" {
		t.Fatalf("decompressed = %q", out)
	}
	if got := string(c.Buffer().Contents()); got != "kernel: booting\n" {
		t.Fatalf("buffer = %q", got)
	}
}
