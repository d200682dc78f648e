package handleservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/xfeldman/vmkit/internal/registry"
	"github.com/xfeldman/vmkit/internal/vmm"
)

// Client drives a handle-service daemon. One recv loop demultiplexes
// responses to waiting callers by request id, so long-blocking calls (wait)
// and quick status probes can share a single connection.
type Client struct {
	ch      vmm.ControlChannel
	mu      sync.Mutex // protects pending AND serializes sends
	pending map[uint64]chan *rpcResponse
	nextID  uint64
	done    chan struct{}
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("handleservice: dial %s: %w", socketPath, err)
	}
	return NewClient(vmm.NewNetControlChannel(conn)), nil
}

// NewClient wraps an established control channel.
func NewClient(ch vmm.ControlChannel) *Client {
	c := &Client{
		ch:      ch,
		pending: make(map[uint64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

func (c *Client) recvLoop() {
	defer close(c.done)
	for {
		msg, err := c.ch.Recv(context.Background())
		if err != nil {
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		// JSON numbers decode as float64; request ids are small integers so
		// the round-trip through float64 is exact.
		idF, ok := resp.ID.(float64)
		if !ok {
			continue
		}
		id := uint64(idF)

		c.mu.Lock()
		ch, exists := c.pending[id]
		if exists {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if exists {
			ch <- &resp
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	respCh := make(chan *rpcResponse, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = respCh
	reqJSON, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: marshalParams(params), ID: id})
	err := c.ch.Send(ctx, reqJSON)
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("handleservice: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return fmt.Errorf("handleservice: connection closed waiting for %s", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("handleservice: %s: %s", method, resp.Error.Message)
		}
		if result != nil && resp.Result != nil {
			data, err := json.Marshal(resp.Result)
			if err != nil {
				return err
			}
			return json.Unmarshal(data, result)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("handleservice: client closed waiting for %s", method)
	}
}

func marshalParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

// IsAvailable reports whether the daemon's backend can start VMs.
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	var res boolResult
	err := c.call(ctx, MethodIsAvailable, nil, &res)
	return res.Value, err
}

// Start submits a config and returns the daemon-assigned handle id.
func (c *Client) Start(ctx context.Context, cfg vmm.VmConfig, consoleSocketPath string) (registry.HandleID, error) {
	var res startResult
	err := c.call(ctx, MethodStart, startParams{Config: cfg, ConsoleSocketPath: consoleSocketPath}, &res)
	return res.HandleID, err
}

// IsRunning probes a handle's liveness.
func (c *Client) IsRunning(ctx context.Context, id registry.HandleID) (bool, error) {
	var res boolResult
	err := c.call(ctx, MethodIsRunning, handleParams{HandleID: id}, &res)
	return res.Value, err
}

// Wait blocks until the VM exits and returns its exit code.
func (c *Client) Wait(ctx context.Context, id registry.HandleID) (int, error) {
	var res waitResult
	err := c.call(ctx, MethodWait, handleParams{HandleID: id}, &res)
	return res.ExitCode, err
}

// Shutdown requests graceful stop with the daemon's default grace period.
func (c *Client) Shutdown(ctx context.Context, id registry.HandleID) error {
	return c.call(ctx, MethodShutdown, handleParams{HandleID: id}, nil)
}

// Kill force-terminates the VM.
func (c *Client) Kill(ctx context.Context, id registry.HandleID) error {
	return c.call(ctx, MethodKill, handleParams{HandleID: id}, nil)
}

// Release drops the daemon's reference to the handle, killing the VM if it
// is still running.
func (c *Client) Release(ctx context.Context, id registry.HandleID) error {
	return c.call(ctx, MethodRelease, handleParams{HandleID: id}, nil)
}

// Close tears down the underlying channel and unblocks pending calls.
func (c *Client) Close() error {
	err := c.ch.Close()
	<-c.done
	return err
}
