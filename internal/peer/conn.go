package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeDeadline bounds a single WebSocket write. A peer frozen longer than
// this is considered dead.
const writeDeadline = 5 * time.Second

// readDeadline bounds the wait for any read activity, pongs included.
// It allows roughly three missed pings before the connection is dropped.
const readDeadline = 90 * time.Second

// pingInterval is the keepalive ping cadence.
const pingInterval = 30 * time.Second

// maxReadMessageSize caps inbound frames. Status deltas are bounded by
// actual change size; full initial snapshots of very large repositories
// are the biggest legitimate frames.
const maxReadMessageSize = 8 * 1024 * 1024

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("peer connection closed")

// Conn is one live peer connection. Both sides can issue requests and
// notifications concurrently; writes are serialized because
// gorilla/websocket does not support concurrent writers.
type Conn struct {
	ws     *websocket.Conn
	router *Router
	log    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, router *Router, log *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		router:  router,
		log:     log,
		pending: make(map[string]chan Envelope),
		done:    make(chan struct{}),
	}
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down and fails every pending request.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
	})
}

// Notify sends a fire-and-forget message.
func (c *Conn) Notify(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return c.write(Envelope{Type: msgType, Payload: raw})
}

// Request sends a message and waits for its response payload.
func (c *Conn) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msgType, err)
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Envelope{Type: msgType, ID: id, Payload: raw}); err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if env.Error != "" {
			return nil, errorFromCode(env.ErrorCode, env.Error)
		}
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// RequestInto issues a request and unmarshals the response payload.
func (c *Conn) RequestInto(ctx context.Context, msgType string, payload, out any) error {
	raw, err := c.Request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// write sends one envelope under the write lock with a deadline.
func (c *Conn) write(env Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Time{})
	return nil
}

// serve runs the read pump and ping loop until the connection dies.
func (c *Conn) serve(ctx context.Context) {
	defer c.Close()

	c.ws.SetReadLimit(maxReadMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	go c.pingLoop()

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("peer read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Debug("invalid envelope from peer", "error", err)
			continue
		}

		if env.ReplyTo != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.ReplyTo]
			if ok {
				delete(c.pending, env.ReplyTo)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		// Dispatch off the read loop so a slow handler (a credential
		// prompt can take as long as the user does) never stalls reads.
		go c.dispatch(ctx, env)
	}
}

// dispatch runs the router for one inbound request or notification and
// sends the response if one is owed.
func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	result, err := c.router.Dispatch(ctx, env.Type, env.Payload)
	if env.ID == "" {
		if err != nil {
			c.log.Warn("notification handler failed", "type", env.Type, "error", err)
		}
		return
	}

	reply := Envelope{Type: TypeResponse, ReplyTo: env.ID}
	if err != nil {
		reply.Error = err.Error()
		reply.ErrorCode = errorCode(err)
	} else if result != nil {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			reply.Error = marshalErr.Error()
			reply.ErrorCode = CodeInternal
		} else {
			reply.Payload = raw
		}
	}
	if writeErr := c.write(reply); writeErr != nil {
		c.log.Debug("response write failed", "type", env.Type, "error", writeErr)
	}
}

// pingLoop keeps the connection alive and detects dead peers.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				c.writeMu.Unlock()
				c.Close()
				return
			}
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			_ = c.ws.SetWriteDeadline(time.Time{})
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("peer ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}
