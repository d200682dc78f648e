// Package handle implements the caller-facing VM handle: a state machine
// over a backend VM instance with timed shutdown, forced kill, exit
// observation, and single-acquisition console access.
package handle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

// DefaultStopGrace is how long Stop waits for a graceful shutdown before
// escalating to Kill.
const DefaultStopGrace = 30 * time.Second

// Status is the VM handle's lifecycle state, stored as an int32 so reads
// never need the mutex.
type Status int32

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered at most once per handle, the moment the VM reaches a
// terminal state (Stopped or Failed).
type Event struct {
	Status   Status
	ExitCode int
	Message  string
}

// VmHandle owns exactly one backend VM instance and serializes every
// transition through its status word. Terminal states are sticky: once
// Stopped or Failed is observed, Status never reports Running again.
type VmHandle struct {
	ID  string
	cfg vmm.VmConfig

	status atomic.Int32

	mu       sync.Mutex
	exitCode int
	message  string

	backend vmm.BackendVmHandle

	consoleMu    sync.Mutex
	consoleTaken bool

	eventOnce sync.Once
	eventCh   chan Event

	waitDone chan struct{}
}

// New creates a handle in Created holding the config it will start with.
func New(id string, cfg vmm.VmConfig) *VmHandle {
	return &VmHandle{
		ID:       id,
		cfg:      cfg,
		eventCh:  make(chan Event, 1),
		waitDone: make(chan struct{}),
	}
}

// Start launches the VM on backend. Only a Created handle can start; any
// other state returns ErrAlreadyRunning. A failed backend launch moves the
// handle to Failed, and the handle cannot be reused.
func (h *VmHandle) Start(ctx context.Context, backend vmm.HypervisorBackend) error {
	if !h.status.CompareAndSwap(int32(StatusCreated), int32(StatusStarting)) {
		return vmkiterr.ErrAlreadyRunning
	}

	b, err := backend.Start(ctx, h.cfg)
	if err != nil {
		h.mu.Lock()
		h.message = err.Error()
		h.mu.Unlock()
		h.status.Store(int32(StatusFailed))
		h.emitTerminal(StatusFailed, 0)
		close(h.waitDone)
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "start vm")
	}

	h.mu.Lock()
	h.backend = b
	h.mu.Unlock()
	h.status.Store(int32(StatusRunning))
	go h.watch()
	return nil
}

// watch observes backend exit, whether caused by Stop/Kill or by the guest
// exiting on its own.
func (h *VmHandle) watch() {
	exitCode, err := h.backend.Wait(context.Background())

	h.mu.Lock()
	h.exitCode = exitCode
	if err != nil {
		h.message = err.Error()
	}
	h.mu.Unlock()

	final := StatusStopped
	if err != nil {
		final = StatusFailed
	}
	h.status.Store(int32(final))
	h.emitTerminal(final, exitCode)
	close(h.waitDone)
}

func (h *VmHandle) emitTerminal(status Status, exitCode int) {
	h.eventOnce.Do(func() {
		h.mu.Lock()
		msg := h.message
		h.mu.Unlock()
		h.eventCh <- Event{Status: status, ExitCode: exitCode, Message: msg}
		close(h.eventCh)
	})
}

// Status returns a snapshot of the current lifecycle state.
func (h *VmHandle) Status() Status {
	return Status(h.status.Load())
}

// ExitInfo returns the exit code and failure message once the handle has
// reached a terminal state; both are zero-valued before then. ExitCode is
// meaningful only for Stopped, Message only for Failed.
func (h *VmHandle) ExitInfo() (exitCode int, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.message
}

// Events returns the channel on which the terminal event is delivered
// exactly once.
func (h *VmHandle) Events() <-chan Event {
	return h.eventCh
}

// Wait blocks until the VM reaches a terminal state or ctx is cancelled.
func (h *VmHandle) Wait(ctx context.Context) error {
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout waits up to d for the VM to exit. It reports whether the VM
// reached a terminal state within the deadline.
func (h *VmHandle) WaitTimeout(d time.Duration) bool {
	select {
	case <-h.waitDone:
		return true
	case <-time.After(d):
		return false
	}
}

// Stop requests graceful shutdown and waits up to grace for the VM to
// exit, escalating to Kill on timeout. grace <= 0 means DefaultStopGrace.
// Stopping a handle that is not running returns ErrNotRunning.
func (h *VmHandle) Stop(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	if !h.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		// Concurrent stops may race; a handle already Stopping is fine to
		// wait on, anything else is a lifecycle misuse.
		if h.Status() != StatusStopping {
			return vmkiterr.ErrNotRunning
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := h.backend.Shutdown(shutdownCtx); err != nil {
		return h.Kill(ctx)
	}

	select {
	case <-h.waitDone:
		return nil
	case <-shutdownCtx.Done():
		return h.Kill(ctx)
	}
}

// Kill forces immediate termination. Killing an already-terminated handle
// is a no-op; killing one that never started returns ErrNotRunning.
func (h *VmHandle) Kill(ctx context.Context) error {
	switch h.Status() {
	case StatusStopped, StatusFailed:
		return nil
	case StatusCreated:
		return vmkiterr.ErrNotRunning
	}
	h.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping))

	if err := h.backend.Kill(ctx); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindHypervisor, err, "kill vm")
	}
	select {
	case <-h.waitDone:
	case <-time.After(5 * time.Second):
		// Kill is synchronous in effect for every conforming backend; this
		// backstop keeps a misbehaving one from wedging the caller.
	}
	return nil
}
