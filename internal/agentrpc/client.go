package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
)

// Transport is the minimal framed-message duplex the Client needs; both
// *vsock.Conn (real guests) and an in-memory pipe (tests) satisfy it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dial connects to a guest agent listening on the given vsock CID/port, the
// host-initiates-connection direction of vmm.VsockPort (HostListens is the
// other direction, used when the guest dials out instead).
func Dial(ctx context.Context, cid, port uint32) (*Client, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: dial vsock cid=%d port=%d: %w", cid, port, err)
	}
	return NewClient(conn), nil
}

// Client is a demuxing RPC client over one Transport: one recv loop routes
// responses to waiting callers by ID, with sends serialized under the same
// lock that guards the pending map.
type Client struct {
	conn     Transport
	mu       sync.Mutex
	pending  map[uint64]chan Message
	nextID   atomic.Uint64
	done     chan struct{}
	closeErr error
}

func NewClient(conn Transport) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

func (c *Client) recvLoop() {
	defer close(c.done)
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// Call sends method(params) and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := c.nextID.Add(1)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("agentrpc: marshal params: %w", err)
	}

	respCh := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	req := Message{ID: id, Method: method, Params: paramsJSON}
	reqBytes, _ := json.Marshal(req)
	err = WriteFrame(c.conn, reqBytes)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("agentrpc: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return fmt.Errorf("agentrpc: connection closed waiting for %s: %w", method, c.closeErr)
		}
		if resp.Error != "" {
			return fmt.Errorf("agentrpc: %s failed: %s", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

// WaitReady polls ping until the agent responds or ctx is cancelled,
// implementing the readiness handshake a freshly booted guest needs before
// any other RPC is attempted.
func (c *Client) WaitReady(ctx context.Context, pollInterval time.Duration) error {
	for {
		callCtx, cancel := context.WithTimeout(ctx, pollInterval)
		err := c.Call(callCtx, MethodPing, nil, nil)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ExecResult is the result of an exec call.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (c *Client) Exec(ctx context.Context, argv []string, env map[string]string) (*ExecResult, error) {
	var res ExecResult
	err := c.Call(ctx, MethodExec, map[string]interface{}{"argv": argv, "env": env}, &res)
	return &res, err
}

func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var res struct {
		Data []byte `json:"data"`
	}
	err := c.Call(ctx, MethodReadFile, map[string]string{"path": path}, &res)
	return res.Data, err
}

func (c *Client) WriteFile(ctx context.Context, path string, data []byte, mode uint32) error {
	return c.Call(ctx, MethodWriteFile, map[string]interface{}{"path": path, "data": data, "mode": mode}, nil)
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (c *Client) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	var res struct {
		Entries []DirEntry `json:"entries"`
	}
	err := c.Call(ctx, MethodListDir, map[string]string{"path": path}, &res)
	return res.Entries, err
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	var res struct {
		Exists bool `json:"exists"`
	}
	err := c.Call(ctx, MethodExists, map[string]string{"path": path}, &res)
	return res.Exists, err
}

func (c *Client) Info(ctx context.Context) (*SystemInfo, error) {
	var res SystemInfo
	err := c.Call(ctx, MethodInfo, nil, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodShutdown, nil, nil)
}
