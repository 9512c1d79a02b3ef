package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client is a minimal protocol client: one request/reply exchange per
// call over a persistent connection. It is what the test suite and the
// shutdown path use; production clients live elsewhere.
type Client struct {
	conn net.Conn
}

// Dial connects to a licence server.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for its reply.
func (c *Client) Do(ctx context.Context, req Request) (Reply, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Reply{}, err
	}

	if err := WriteMessage(c.conn, req); err != nil {
		return Reply{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	var reply Reply
	if err := ReadMessage(c.conn, &reply); err != nil {
		return Reply{}, fmt.Errorf("receive reply for %s: %w", req.Type, err)
	}
	return reply, nil
}

// Kill asks a local server to shut down. Honoured only when the dial
// arrives over loopback.
func Kill(ctx context.Context, addr string) error {
	c, err := Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	_, err = c.Do(ctx, Request{Type: MessageKill})
	return err
}
