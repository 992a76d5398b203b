package uds

import (
	"fmt"
	"net"
	"time"
)

// Client sends single-shot commands to a run loop's control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds both the dial and the request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Ping reports whether a run loop is answering on the socket.
func (c *Client) Ping() error {
	resp, err := c.SendCommand("ping", nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("ping rejected: %s", resp.Error.Message)
	}
	return nil
}

// SendCommand marshals params, sends the command, and returns the
// response frame.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to run loop at %s: %w\n"+
				"Is a run loop active? Start one with: council run --thread <id>",
			c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
