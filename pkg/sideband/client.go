package sideband

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/psaab/xmux/pkg/msg"
)

// Client is the switch daemon end of a sideband connection.
type Client struct {
	nc net.Conn
	br *bufio.Reader

	wmu sync.Mutex
	buf []byte
}

// Dial connects to the mux sideband at addr.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("sideband dial %s: %w", addr, err)
	}
	return NewClient(nc), nil
}

// NewClient wraps an established connection.
func NewClient(nc net.Conn) *Client {
	return &Client{nc: nc, br: bufio.NewReaderSize(nc, rxBufferSize)}
}

// Send writes one message.
func (c *Client) Send(m msg.Message) error {
	return c.write(msg.Encode(m))
}

// SendFrame writes one exception frame.
func (c *Client) SendFrame(frame []byte) error {
	return c.write(frame)
}

func (c *Client) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return msg.WriteRecord(c.nc, b)
}

// Recv reads the next record. Exactly one of the message and the frame is
// non-nil on success. The frame is valid until the next call.
func (c *Client) Recv() (msg.Message, []byte, error) {
	rec, err := msg.ReadRecord(c.br, c.buf)
	if err != nil {
		return nil, nil, err
	}
	c.buf = rec
	if !msg.IsMsg(rec) {
		return nil, rec, nil
	}
	m, err := msg.Decode(rec)
	if err != nil {
		return nil, nil, err
	}
	return m, nil, nil
}

// UntilBreak reads messages and hands each to fn until a Break arrives.
// Frames received meanwhile are skipped.
func (c *Client) UntilBreak(fn func(msg.Message) error) error {
	for {
		m, _, err := c.Recv()
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if m.Kind() == msg.KindBreak {
			return nil
		}
		if fn != nil {
			if err := fn(m); err != nil {
				return err
			}
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error { return c.nc.Close() }
