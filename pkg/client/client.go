// Package client implements a Go client for the deskbridge wire protocol.
// It is used by the CLI's probe mode and by tests; the two desktop
// applications implement the same contract in their own runtimes.
//
// The client does not reconnect on its own. A dropped connection is
// surfaced to the caller, who owns backoff policy; the server treats every
// reconnect as a brand-new peer.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

// ErrClosed is returned once the connection is gone.
var ErrClosed = errors.New("bridge connection closed")

// Client is one peer-side connection to the bridge.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	callbacks  map[string]chan protocol.Frame
	callbackMu sync.Mutex

	frames    chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error

	sessionID string
}

// Dial connects to a bridge at url (e.g. ws://127.0.0.1:5004/ws) and starts
// the read loop. The connection is unregistered until Register is called.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := &Client{
		conn:      conn,
		callbacks: make(map[string]chan protocol.Frame),
		frames:    make(chan protocol.Frame, 64),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Register declares this connection's role. Declared types extend the
// bridge's known-type table with their delivery policy.
func (c *Client) Register(ctx context.Context, role protocol.Role, types ...protocol.TypeDecl) error {
	payload := map[string]any{"role": string(role)}
	if len(types) > 0 {
		decls := make([]map[string]any, 0, len(types))
		for _, td := range types {
			decls = append(decls, map[string]any{
				"name":   td.Name,
				"policy": string(td.Policy),
			})
		}
		payload["types"] = decls
	}

	f := protocol.NewFrame(protocol.TypeRegister, payload)
	reply, err := c.Request(ctx, f)
	if err != nil {
		return err
	}
	if reply.Type == protocol.TypeError {
		return fmt.Errorf("registration rejected: %v", reply.Payload["message"])
	}
	if id, ok := reply.Payload["sessionId"].(string); ok {
		c.sessionID = id
	}
	return nil
}

// SessionID returns the server-assigned session id after registration.
func (c *Client) SessionID() string { return c.sessionID }

// Send writes a frame without waiting for any reply.
func (c *Client) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// Request sends a frame stamped with a correlation id and waits for the
// first frame that echoes it — a reply from the counterpart peer, or an
// error/delivery.dropped notice from the bridge itself.
func (c *Client) Request(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	if f.CorrelationID == "" {
		f.CorrelationID = uuid.New().String()
	}

	ch := make(chan protocol.Frame, 1)
	c.callbackMu.Lock()
	c.callbacks[f.CorrelationID] = ch
	c.callbackMu.Unlock()
	defer func() {
		c.callbackMu.Lock()
		delete(c.callbacks, f.CorrelationID)
		c.callbackMu.Unlock()
	}()

	if err := c.Send(f); err != nil {
		return protocol.Frame{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.closed:
		return protocol.Frame{}, c.closeErr()
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Ping performs a protocol-level heartbeat round trip.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Request(ctx, protocol.NewFrame(protocol.TypePing, nil))
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypePong {
		return fmt.Errorf("unexpected heartbeat reply %q", reply.Type)
	}
	return nil
}

// Next returns the next frame that was not claimed by a pending Request.
func (c *Client) Next(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return protocol.Frame{}, c.closeErr()
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

func (c *Client) closeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
			c.errMu.Unlock()
			c.Close()
			return
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}

		// A correlation id claims exactly one reply. Later frames echoing
		// the same id fall through to Next instead of blocking the read
		// loop on a full callback channel.
		if f.CorrelationID != "" {
			c.callbackMu.Lock()
			ch, ok := c.callbacks[f.CorrelationID]
			if ok {
				select {
				case ch <- f:
					delete(c.callbacks, f.CorrelationID)
				default:
					ok = false
				}
			}
			c.callbackMu.Unlock()
			if ok {
				continue
			}
		}

		select {
		case c.frames <- f:
		case <-c.closed:
			return
		}
	}
}
