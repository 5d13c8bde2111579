package ipc

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

var initOnce sync.Once

// Client talks to enforcerd over its unix socket.
type Client struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	initOnce.Do(Init)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}, nil
}

// Do sends cmd and waits for its response. A response carrying an error is
// returned as a Go error.
func (c *Client) Do(cmd Command) (*CommandResponse, error) {
	if err := c.enc.Encode(&Message{Command: &cmd}); err != nil {
		return nil, fmt.Errorf("error encoding command: %w", err)
	}
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	if msg.Response == nil {
		return nil, errors.New("daemon sent no response")
	}
	if msg.Response.Error != "" {
		return msg.Response, errors.New(msg.Response.Error)
	}
	return msg.Response, nil
}

// StreamExec asks for the exec event stream and calls fn for each event until
// ctx is done, fn fails or the daemon hangs up.
func (c *Client) StreamExec(ctx context.Context, fn func(ExecEventPayload) error) error {
	if _, err := c.Do(Command{Type: CmdStreamExec}); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	for {
		var msg Message
		if err := c.dec.Decode(&msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("error decoding event: %w", err)
		}
		if msg.Event == nil {
			continue
		}
		if err := fn(*msg.Event); err != nil {
			return err
		}
	}
}

func (c *Client) Close() error { return c.conn.Close() }
