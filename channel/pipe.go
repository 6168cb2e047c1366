package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Pipe returns two connected in-process connections. A message sent on one
// end is dispatched to the handler bound on the other. Useful for embedding
// consumers in the server process and for tests.
func Pipe() (Conn, Conn) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{id: uuid.NewString(), handlers: map[string]Handler{}, done: done, closeOnce: once}
	b := &pipeConn{id: uuid.NewString(), handlers: map[string]Handler{}, done: done, closeOnce: once}
	a.peer, b.peer = b, a
	return a, b
}

type pipeConn struct {
	id        string
	peer      *pipeConn
	done      chan struct{} // shared by both ends
	closeOnce *sync.Once    // shared by both ends

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

func (c *pipeConn) ID() string { return c.id }

func (c *pipeConn) Handle(topic string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = fn
}

func (c *pipeConn) Send(topic string, payload []byte) error {
	fn, err := c.dispatchTarget(topic)
	if err != nil {
		if err == ErrNoHandler {
			// Fire-and-forget tolerates an unbound peer topic.
			return nil
		}
		return err
	}
	_, _ = fn(payload)
	return nil
}

func (c *pipeConn) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	fn, err := c.dispatchTarget(topic)
	if err != nil {
		return nil, err
	}

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := fn(payload)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Closed() <-chan struct{} { return c.done }

func (c *pipeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.peer.mu.Lock()
	c.peer.closed = true
	c.peer.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) dispatchTarget(topic string) (Handler, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	c.peer.mu.RLock()
	defer c.peer.mu.RUnlock()
	if c.peer.closed {
		return nil, ErrClosed
	}
	fn, ok := c.peer.handlers[topic]
	if !ok {
		return nil, ErrNoHandler
	}
	return fn, nil
}
