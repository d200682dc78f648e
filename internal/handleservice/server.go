package handleservice

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/xfeldman/vmkit/internal/handle"
	"github.com/xfeldman/vmkit/internal/registry"
	"github.com/xfeldman/vmkit/internal/vmm"
)

// Server answers handle-service RPCs for one backend. Handles live in
// memory; leases are mirrored to the ledger so a restarted daemon can reap
// VMs it no longer tracks.
type Server struct {
	backend vmm.HypervisorBackend
	alloc   *registry.HandleAllocator
	ledger  *registry.DB // optional

	mu      sync.Mutex
	handles map[registry.HandleID]*handle.VmHandle
}

// NewServer builds a server for backend. ledger may be nil for an
// ephemeral daemon.
func NewServer(backend vmm.HypervisorBackend, alloc *registry.HandleAllocator, ledger *registry.DB) *Server {
	return &Server{
		backend: backend,
		alloc:   alloc,
		ledger:  ledger,
		handles: make(map[registry.HandleID]*handle.VmHandle),
	}
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			log.Printf("handleservice: invalid request: %v", err)
			continue
		}

		// Long-blocking methods (wait) must not stall the connection's
		// other requests, so every request gets its own goroutine.
		go func(req rpcRequest) {
			resp := s.dispatch(ctx, &req)
			data, err := json.Marshal(resp)
			if err != nil {
				return
			}
			data = append(data, '\n')
			writeMu.Lock()
			_, werr := conn.Write(data)
			writeMu.Unlock()
			if werr != nil && werr != io.ErrClosedPipe {
				log.Printf("handleservice: write response: %v", werr)
			}
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) *rpcResponse {
	ok := func(result interface{}) *rpcResponse {
		return &rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
	}
	fail := func(code int, format string, args ...interface{}) *rpcResponse {
		return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}, ID: req.ID}
	}

	switch req.Method {
	case MethodIsAvailable:
		return ok(boolResult{Value: s.backend.IsAvailable()})

	case MethodStart:
		var params startParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(-32602, "invalid start params: %v", err)
		}
		h, err := s.startVM(ctx, params)
		if err != nil {
			return fail(-32000, "%v", err)
		}
		return ok(startResult{HandleID: h})

	case MethodIsRunning:
		h, resp := s.lookup(req)
		if resp != nil {
			return resp
		}
		st := h.Status()
		return ok(boolResult{Value: st == handle.StatusRunning || st == handle.StatusStarting})

	case MethodWait:
		h, resp := s.lookup(req)
		if resp != nil {
			return resp
		}
		if err := h.Wait(ctx); err != nil {
			return fail(-32000, "wait: %v", err)
		}
		code, _ := h.ExitInfo()
		return ok(waitResult{ExitCode: code})

	case MethodShutdown:
		h, resp := s.lookup(req)
		if resp != nil {
			return resp
		}
		if err := h.Stop(ctx, 0); err != nil {
			return fail(-32000, "shutdown: %v", err)
		}
		return ok(boolResult{Value: true})

	case MethodKill:
		h, resp := s.lookup(req)
		if resp != nil {
			return resp
		}
		if err := h.Kill(ctx); err != nil {
			return fail(-32000, "kill: %v", err)
		}
		return ok(boolResult{Value: true})

	case MethodRelease:
		var params handleParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(-32602, "invalid params: %v", err)
		}
		s.mu.Lock()
		h, exists := s.handles[params.HandleID]
		delete(s.handles, params.HandleID)
		s.mu.Unlock()
		if !exists {
			return fail(-32001, "unknown handle %d", params.HandleID)
		}
		// Release implies the caller is done: a still-running VM is killed
		// rather than leaked.
		if st := h.Status(); st != handle.StatusStopped && st != handle.StatusFailed {
			h.Kill(ctx)
		}
		if s.ledger != nil {
			s.ledger.ReleaseLease(params.HandleID)
		}
		return ok(boolResult{Value: true})

	default:
		return fail(-32601, "method not found: %s", req.Method)
	}
}

func (s *Server) lookup(req *rpcRequest) (*handle.VmHandle, *rpcResponse) {
	var params handleParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32602, Message: fmt.Sprintf("invalid params: %v", err)}, ID: req.ID}
	}
	s.mu.Lock()
	h, exists := s.handles[params.HandleID]
	s.mu.Unlock()
	if !exists {
		return nil, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32001, Message: fmt.Sprintf("unknown handle %d", params.HandleID)}, ID: req.ID}
	}
	return h, nil
}

func (s *Server) startVM(ctx context.Context, params startParams) (registry.HandleID, error) {
	id := s.alloc.Next()
	h := handle.New(fmt.Sprintf("vm-%d", id), params.Config)
	if err := h.Start(ctx, s.backend); err != nil {
		return 0, err
	}

	if params.ConsoleSocketPath != "" && params.Config.ConsoleEnabled {
		if err := exposeConsole(ctx, h, params.ConsoleSocketPath); err != nil {
			h.Kill(ctx)
			return 0, err
		}
	}

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	if s.ledger != nil {
		s.ledger.RecordLease(&registry.Lease{HandleID: id, State: "outstanding"})
	}
	return id, nil
}

// exposeConsole serves the VM console as a Unix stream socket: the first
// connection gets the bidirectional byte stream.
func exposeConsole(ctx context.Context, h *handle.VmHandle, path string) error {
	stream, err := h.Console(ctx)
	if err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		go io.Copy(stream, conn)
		io.Copy(conn, stream)
	}()
	return nil
}

// KillAll force-terminates every tracked handle, used at daemon shutdown.
func (s *Server) KillAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*handle.VmHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[registry.HandleID]*handle.VmHandle)
	s.mu.Unlock()
	for _, h := range handles {
		h.Kill(ctx)
	}
}
