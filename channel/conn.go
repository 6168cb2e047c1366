// Package channel abstracts the bidirectional message channel between this
// process and one consumer connection. Subscriptions and sync sessions talk
// to their consumer exclusively through a Conn, so transports (websocket,
// in-process) stay interchangeable.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("channel: connection closed")

// ErrNoHandler is returned to the requesting side when the peer has no
// handler bound for the topic.
var ErrNoHandler = errors.New("channel: no handler for topic")

// Handler consumes a message on a topic. The returned bytes form the reply
// for request round trips and are discarded for plain sends.
type Handler func(payload []byte) ([]byte, error)

// Conn is one consumer connection.
type Conn interface {
	// ID identifies the connection for session bookkeeping.
	ID() string
	// Send delivers a message without waiting for an answer.
	Send(topic string, payload []byte) error
	// Request delivers a message and waits for the peer's reply. The context
	// bounds the round trip.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)
	// Handle binds fn to a topic, replacing any previous handler.
	Handle(topic string, fn Handler)
	// Closed is closed when the connection is gone, either end.
	Closed() <-chan struct{}
	Close() error
}

// Companion topic names derived from a subscription or session channel name.

func ReadyTopic(name string) string       { return name + "Ready" }
func UnsubscribeTopic(name string) string { return name + "Unsubscribe" }
func UnsyncTopic(name string) string      { return name + "Unsync" }

// Request topics carried alongside a sync session's data channel.

func SyncRequestTopic(name string) string { return name + ".onSyncRequest" }
func PullRequestTopic(name string) string { return name + ".onPullRequest" }
