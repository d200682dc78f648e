package vmm

import (
	"bufio"
	"context"
	"net"
	"time"
)

// maxControlMessage bounds one control-plane message. Control traffic is
// small JSON; anything larger means a corrupt or hostile peer.
const maxControlMessage = 1024 * 1024

// NetControlChannel implements ControlChannel over any net.Conn: the
// subprocess worker's Unix socket, the daemon control socket, or a vsock
// stream. Messages are newline-delimited JSON; Send appends the '\n',
// Recv strips it. Context deadlines map onto connection deadlines. A Recv
// that ends on an error, an expired deadline included, stops the channel
// reading from the connection: later Recv calls return at most bytes already
// buffered, then that error.
type NetControlChannel struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func NewNetControlChannel(conn net.Conn) *NetControlChannel {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxControlMessage), maxControlMessage)
	return &NetControlChannel{
		conn:    conn,
		scanner: scanner,
	}
}

func (c *NetControlChannel) Send(ctx context.Context, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *NetControlChannel) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	if c.scanner.Scan() {
		// The scanner reuses its buffer on the next Scan; callers keep the
		// returned slice, so copy out.
		line := c.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (c *NetControlChannel) Close() error {
	return c.conn.Close()
}
