package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Message kinds on the wire.
const (
	kindMessage  = "msg"
	kindRequest  = "req"
	kindResponse = "res"
)

// envelope frames every websocket message. Requests carry an id the peer
// echoes back on the response; plain messages have no id.
type envelope struct {
	Kind    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSConn adapts a gorilla websocket connection to Conn. All writes funnel
// through one writer goroutine; the read loop routes responses to pending
// requests and everything else to topic handlers.
type WSConn struct {
	id string
	ws *websocket.Conn

	outbound chan envelope

	mu       sync.RWMutex
	handlers map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps an established websocket connection and starts its read
// and write loops. The caller owns the upgrade; both server and client ends
// use the same adapter.
func NewWSConn(ws *websocket.Conn) *WSConn {
	c := &WSConn{
		id:       uuid.NewString(),
		ws:       ws,
		outbound: make(chan envelope, sendBufferSize),
		handlers: map[string]Handler{},
		pending:  map[string]chan envelope{},
		done:     make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Handle(topic string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = fn
}

func (c *WSConn) Send(topic string, payload []byte) error {
	return c.enqueue(envelope{Kind: kindMessage, Topic: topic, Payload: payload})
}

func (c *WSConn) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	id := uuid.NewString()
	reply := make(chan envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.enqueue(envelope{Kind: kindRequest, Topic: topic, ID: id, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case env := <-reply:
		if env.Error != "" {
			return nil, fmt.Errorf("%s: %s", topic, env.Error)
		}
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *WSConn) Closed() <-chan struct{} { return c.done }

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

func (c *WSConn) enqueue(env envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	case c.outbound <- env:
		return nil
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("Channel write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) readLoop() {
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conn", c.id).Msg("Channel read failed")
			}
			return
		}

		switch env.Kind {
		case kindResponse:
			c.pendingMu.Lock()
			reply, ok := c.pending[env.ID]
			c.pendingMu.Unlock()
			if ok {
				reply <- env
			}
		case kindRequest:
			go c.serveRequest(env)
		case kindMessage:
			c.mu.RLock()
			fn, ok := c.handlers[env.Topic]
			c.mu.RUnlock()
			if ok {
				go func() { _, _ = fn(env.Payload) }()
			}
		default:
			log.Debug().Str("kind", env.Kind).Str("conn", c.id).Msg("Dropping unknown channel message kind")
		}
	}
}

func (c *WSConn) serveRequest(env envelope) {
	c.mu.RLock()
	fn, ok := c.handlers[env.Topic]
	c.mu.RUnlock()

	res := envelope{Kind: kindResponse, Topic: env.Topic, ID: env.ID}
	if !ok {
		res.Error = ErrNoHandler.Error()
	} else if reply, err := fn(env.Payload); err != nil {
		res.Error = err.Error()
	} else {
		res.Payload = reply
	}
	_ = c.enqueue(res)
}
