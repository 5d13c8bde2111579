package daemon

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"pathguard.enforcer/pkg/ipc"
)

func (d *Daemon) serveSocket(ctx context.Context, socketPath string) error {
	ipc.Init()
	// Clean up any old socket file.
	if err := os.RemoveAll(socketPath); err != nil {
		d.log.Errorf("Failed to remove old socket file: %v", err)
		return err
	}
	defer os.RemoveAll(socketPath)

	lc := net.ListenConfig{}
	socketListener, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		d.log.Errorf("Failed to listen on socket: %v", err)
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		socketListener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		d.log.Info("Context canceled, closing socket listener...")
		socketListener.Close()
	})
	defer stop()

	d.log.Info("Socket server listening on ", socketPath)
	close(d.ready)
	for {
		conn, err := socketListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				d.log.Info("Socket listener shut down gracefully.")
				return ctx.Err()
			default:
				d.log.Errorf("Socket accept error: %v", err)
				return err
			}
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection answers commands in order until the client hangs up. A
// CmdStreamExec turns the connection into a one-way event stream.
func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	d.log.Debug("New client connection established")
	for {
		var msg ipc.Message
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				d.log.WithError(err).Debug("Error decoding message")
			}
			return
		}
		if msg.Command == nil {
			d.log.Debug("Ignoring message without a command")
			continue
		}
		d.log.WithField("command", msg.Command.Type).Debug("Received command")

		if msg.Command.Type == ipc.CmdStreamExec {
			d.streamExec(ctx, conn, enc)
			return
		}
		resp := d.handleCommand(*msg.Command)
		if err := enc.Encode(&ipc.Message{Response: &resp}); err != nil {
			d.log.WithError(err).Debug("Error encoding command response")
			return
		}
	}
}

func (d *Daemon) streamExec(ctx context.Context, conn net.Conn, enc *gob.Encoder) {
	events, unsubscribe := d.consumer.Subscribe(d.cfg.Audit.SubscriberBuffer)
	defer unsubscribe()

	if err := enc.Encode(&ipc.Message{Response: &ipc.CommandResponse{Type: ipc.CmdStreamExec}}); err != nil {
		return
	}
	// the client only reads from here on; a read returning means it hung up
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, conn)
	}()

	d.log.Info("Exec event stream opened")
	defer d.log.Info("Exec event stream closed")
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload := ipc.NewExecEventPayload(ev)
			if err := enc.Encode(&ipc.Message{Event: &payload}); err != nil {
				d.log.WithError(err).Debug("Error encoding exec event")
				return
			}
		}
	}
}
