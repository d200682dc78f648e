package agentrpc

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// connectRetryInterval paces reconnection attempts while the guest agent is
// still coming up.
const connectRetryInterval = 250 * time.Millisecond

// WaitReady dials the host-local socket exposing the guest agent's vsock
// port, retrying while the guest is still booting (connection refused, or
// the socket file not created yet), then confirms liveness with a ping.
// On success the connected client is returned ready for use.
func WaitReady(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			c := NewClient(conn)
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			pingErr := c.Call(pingCtx, MethodPing, nil, nil)
			cancel()
			if pingErr == nil {
				return c, nil
			}
			c.Close()
			err = pingErr
		}

		if !retryable(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
}

// retryable reports whether a connect failure means "agent not up yet"
// rather than a permanent fault.
func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// A ping that timed out on a half-open socket; redial.
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
