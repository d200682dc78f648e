package handle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

type fakeBackendHandle struct {
	waitCh     chan struct{}
	exitCode   int
	waitErr    error
	shutdownFn func(ctx context.Context) error
	killed     chan struct{}
	console    vmm.ConsoleStream
}

func newFakeBackendHandle() *fakeBackendHandle {
	return &fakeBackendHandle{waitCh: make(chan struct{}), killed: make(chan struct{})}
}

func (f *fakeBackendHandle) IsRunning(ctx context.Context) bool {
	select {
	case <-f.waitCh:
		return false
	default:
		return true
	}
}

func (f *fakeBackendHandle) Wait(ctx context.Context) (int, error) {
	<-f.waitCh
	return f.exitCode, f.waitErr
}

func (f *fakeBackendHandle) Shutdown(ctx context.Context) error {
	if f.shutdownFn != nil {
		return f.shutdownFn(ctx)
	}
	close(f.waitCh)
	return nil
}

func (f *fakeBackendHandle) Kill(ctx context.Context) error {
	select {
	case <-f.killed:
	default:
		close(f.killed)
	}
	select {
	case <-f.waitCh:
	default:
		close(f.waitCh)
	}
	return nil
}

func (f *fakeBackendHandle) ConsoleStream(ctx context.Context) (vmm.ConsoleStream, error) {
	if f.console == nil {
		return nil, vmkiterr.ErrConsoleNotEnabled
	}
	return f.console, nil
}

// fakeBackend starts fakeBackendHandle instances.
type fakeBackend struct {
	handle   *fakeBackendHandle
	startErr error
}

func (b *fakeBackend) Name() string                        { return "fake" }
func (b *fakeBackend) Platform() vmm.HostPlatform          { return vmm.PlatformLinux }
func (b *fakeBackend) Capabilities() vmm.BackendCapabilities {
	return vmm.BackendCapabilities{GuestOSLinux: true, BootLinuxDirect: true, ImageRaw: true, NetworkNone: true}
}
func (b *fakeBackend) IsAvailable() bool                      { return true }
func (b *fakeBackend) KernelCmdlineDefaults() *vmm.KernelCmdline { return vmm.NewKernelCmdline() }
func (b *fakeBackend) DefaultRootDevice() string              { return "/dev/vda" }
func (b *fakeBackend) Start(ctx context.Context, cfg vmm.VmConfig) (vmm.BackendVmHandle, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	return b.handle, nil
}

func startedHandle(t *testing.T, backend *fakeBackendHandle, cfg vmm.VmConfig) *VmHandle {
	t.Helper()
	h := New("vm-test", cfg)
	if err := h.Start(context.Background(), &fakeBackend{handle: backend}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	backend := newFakeBackendHandle()
	h := startedHandle(t, backend, vmm.VmConfig{})
	err := h.Start(context.Background(), &fakeBackend{handle: backend})
	if !errors.Is(err, vmkiterr.ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want AlreadyRunning", err)
	}
}

func TestStartFailureMovesToFailed(t *testing.T) {
	h := New("vm-fail", vmm.VmConfig{})
	err := h.Start(context.Background(), &fakeBackend{startErr: errors.New("no hypervisor")})
	if err == nil {
		t.Fatal("expected start error")
	}
	if h.Status() != StatusFailed {
		t.Fatalf("status = %v, want Failed", h.Status())
	}
	_, msg := h.ExitInfo()
	if msg == "" {
		t.Fatal("expected failure message recorded")
	}
}

func TestStopFromCreatedReturnsNotRunning(t *testing.T) {
	h := New("vm-created", vmm.VmConfig{})
	err := h.Stop(context.Background(), time.Second)
	if !errors.Is(err, vmkiterr.ErrNotRunning) {
		t.Fatalf("Stop on Created = %v, want NotRunning", err)
	}
}

func TestStopGracefulReachesStopped(t *testing.T) {
	backend := newFakeBackendHandle()
	h := startedHandle(t, backend, vmm.VmConfig{})

	if err := h.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.Status() != StatusStopped {
		t.Fatalf("status = %v, want Stopped", h.Status())
	}
}

func TestStopEscalatesToKillOnTimeout(t *testing.T) {
	backend := newFakeBackendHandle()
	backend.shutdownFn = func(ctx context.Context) error { return nil } // ignores the request
	h := startedHandle(t, backend, vmm.VmConfig{})

	if err := h.Stop(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-backend.killed:
	default:
		t.Fatal("expected Kill to have been invoked after shutdown timeout")
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	backend := newFakeBackendHandle()
	h := startedHandle(t, backend, vmm.VmConfig{})
	backend.exitCode = 0
	close(backend.waitCh)

	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for i := 0; i < 10; i++ {
		if st := h.Status(); st != StatusStopped {
			t.Fatalf("status = %v after terminal state, want Stopped", st)
		}
	}
}

func TestTerminalEventDeliveredOnce(t *testing.T) {
	backend := newFakeBackendHandle()
	h := startedHandle(t, backend, vmm.VmConfig{})

	close(backend.waitCh)

	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed before delivering event")
		}
		if ev.Status != StatusStopped {
			t.Fatalf("event status = %v, want Stopped", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	select {
	case _, ok := <-h.Events():
		if ok {
			t.Fatal("received a second event; expected at-most-once delivery")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel should already be closed after first read")
	}
}

func TestBackendErrorMovesToFailed(t *testing.T) {
	backend := newFakeBackendHandle()
	backend.waitErr = errors.New("hypervisor crashed")
	h := startedHandle(t, backend, vmm.VmConfig{})
	close(backend.waitCh)

	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.Status() != StatusFailed {
		t.Fatalf("status = %v, want Failed", h.Status())
	}
}

func TestWaitTimeout(t *testing.T) {
	backend := newFakeBackendHandle()
	h := startedHandle(t, backend, vmm.VmConfig{})

	if h.WaitTimeout(20 * time.Millisecond) {
		t.Fatal("WaitTimeout reported exit while VM still running")
	}
	close(backend.waitCh)
	if !h.WaitTimeout(time.Second) {
		t.Fatal("WaitTimeout missed the exit")
	}
}

// pipeStream is an in-memory bidirectional console stream.
type pipeStream struct {
	io.Reader
	io.Writer
}

func (pipeStream) Close() error { return nil }

func TestConsoleDisabled(t *testing.T) {
	backend := newFakeBackendHandle()
	h := startedHandle(t, backend, vmm.VmConfig{ConsoleEnabled: false})
	if _, err := h.Console(context.Background()); !errors.Is(err, vmkiterr.ErrConsoleNotEnabled) {
		t.Fatalf("Console = %v, want ConsoleNotEnabled", err)
	}
}

func TestConsoleSingleAcquisition(t *testing.T) {
	guestOut, hostIn := io.Pipe()
	backend := newFakeBackendHandle()
	backend.console = pipeStream{Reader: guestOut, Writer: io.Discard}
	h := startedHandle(t, backend, vmm.VmConfig{ConsoleEnabled: true})

	c, err := h.Console(context.Background())
	if err != nil {
		t.Fatalf("Console: %v", err)
	}
	defer c.Close()

	if _, err := h.Console(context.Background()); !errors.Is(err, vmkiterr.ErrConsoleTaken) {
		t.Fatalf("second Console = %v, want ConsoleTaken", err)
	}

	go hostIn.Write([]byte("login prompt ready\n"))
	if err := c.WaitFor(context.Background(), "prompt ready", 2*time.Second); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestDelegateDeliversAtMostOnce(t *testing.T) {
	d, ch := NewStateDelegate()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.GuestDidStop()
			d.GuestDidStopWithError()
		}()
	}
	wg.Wait()

	reason, ok := <-ch
	if !ok {
		t.Fatal("no reason delivered")
	}
	_ = reason
	if _, ok := <-ch; ok {
		t.Fatal("second reason delivered; expected at-most-once")
	}
}
