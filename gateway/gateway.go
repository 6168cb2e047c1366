// Package gateway speaks the consumer protocol over a channel.Conn: it turns
// subscribe and sync requests arriving from one consumer connection into
// live subscriptions and sync sessions, and tears everything down when the
// connection goes away.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/channel"
	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/subs"
	"github.com/pgpulse/pgpulse/syncer"
	"github.com/pgpulse/pgpulse/wire"
)

const defaultReadyTimeout = 30 * time.Second

// ExecutorProvider supplies the row executor and authorization rules for a
// table. The embedding application decides what a consumer may touch.
type ExecutorProvider interface {
	Executor(table string) (dataset.Executor, dataset.Rules, error)
}

// SQLProvider serves every table straight off a shared pool with no
// authorization restrictions. Suitable for trusted consumers only.
type SQLProvider struct {
	DB *sql.DB
}

func (p SQLProvider) Executor(table string) (dataset.Executor, dataset.Rules, error) {
	if table == "" {
		return nil, nil, fmt.Errorf("table is required")
	}
	return dataset.NewSQLExecutor(p.DB, table), dataset.AllowAll, nil
}

// Config configures the gateway.
type Config struct {
	Subscriptions *subs.Manager
	Syncs         *syncer.Manager
	Executors     ExecutorProvider
	// Clock, when set, folds remote synced values into the local logical
	// clock on every sync session.
	Clock        syncer.ClockObserver
	ReadyTimeout time.Duration
}

// Gateway serves consumer connections.
type Gateway struct {
	subs         *subs.Manager
	syncs        *syncer.Manager
	executors    ExecutorProvider
	clock        syncer.ClockObserver
	readyTimeout time.Duration
}

// New creates a Gateway.
func New(config Config) (*Gateway, error) {
	if config.Subscriptions == nil || config.Syncs == nil || config.Executors == nil {
		return nil, fmt.Errorf("subscription manager, sync manager and executor provider are required")
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaultReadyTimeout
	}
	return &Gateway{
		subs:         config.Subscriptions,
		syncs:        config.Syncs,
		executors:    config.Executors,
		clock:        config.Clock,
		readyTimeout: config.ReadyTimeout,
	}, nil
}

// ServeConn binds the request topics on a consumer connection and reaps its
// sessions when the connection closes. Returns immediately; teardown runs on
// its own goroutine.
func (g *Gateway) ServeConn(conn channel.Conn) {
	state := &connState{}

	conn.Handle("subscribe", func(payload []byte) ([]byte, error) {
		return g.handleSubscribe(conn, state, payload)
	})
	conn.Handle("sync", func(payload []byte) ([]byte, error) {
		return g.handleSync(conn, payload)
	})

	go func() {
		<-conn.Closed()
		state.closeAll()
		g.syncs.CloseConn(conn.ID())
		log.Debug().Str("conn", conn.ID()).Msg("Consumer connection closed")
	}()
}

// connState tracks one connection's subscriptions for teardown.
type connState struct {
	mu   sync.Mutex
	subs []*subs.Subscription
	gone bool
}

func (s *connState) track(sub *subs.Subscription) {
	s.mu.Lock()
	gone := s.gone
	if !gone {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()
	if gone {
		sub.Close()
	}
}

func (s *connState) closeAll() {
	s.mu.Lock()
	tracked := s.subs
	s.subs = nil
	s.gone = true
	s.mu.Unlock()
	for _, sub := range tracked {
		sub.Close()
	}
}

type subscribeRequest struct {
	// Channel lets the consumer propose the channel name so it can bind its
	// handlers before sending the request. Empty = server-generated.
	Channel    string   `json:"channelName,omitempty"`
	Table      string   `json:"table,omitempty"`
	View       string   `json:"view,omitempty"`
	ViewDef    string   `json:"view_def,omitempty"`
	Related    []string `json:"related,omitempty"`
	Filter     string   `json:"filter,omitempty"`
	Params     []any    `json:"params,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	ThrottleMS int      `json:"throttle_ms,omitempty"`
}

type subscribeReply struct {
	Channel     string `json:"channelName"`
	Ready       string `json:"channelNameReady"`
	Unsubscribe string `json:"channelNameUnsubscribe"`
}

func (g *Gateway) handleSubscribe(conn channel.Conn, state *connState, payload []byte) ([]byte, error) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed subscribe request: %w", err)
	}

	table := req.Table
	if table == "" {
		table = req.View
	}
	exec, rules, err := g.executors.Executor(table)
	if err != nil {
		return nil, err
	}
	// Nil rules mean unrestricted, same as the sync path.
	if rules != nil && !rules.CanSelect() {
		return nil, fmt.Errorf("select not permitted on %q", table)
	}

	actions := make([]wire.Op, 0, len(req.Actions))
	for _, name := range req.Actions {
		actions = append(actions, wire.Op(name))
	}

	name := req.Channel
	if name == "" {
		name = "sub_" + uuid.NewString()
	}
	consumer := newConnConsumer(conn, name, g.readyTimeout)
	conn.Handle(channel.ReadyTopic(name), func([]byte) ([]byte, error) {
		consumer.signalReady()
		return nil, nil
	})

	// The unsubscribe topic is live before the reply names it. The consumer
	// may hit it while the subscription is still being established, so the
	// handler records the intent and whichever side finishes second closes.
	var (
		subMu  sync.Mutex
		active *subs.Subscription
		gone   bool
	)
	conn.Handle(channel.UnsubscribeTopic(name), func([]byte) ([]byte, error) {
		subMu.Lock()
		gone = true
		sub := active
		subMu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return []byte(`{}`), nil
	})

	// The reply must reach the consumer before Ready blocks on its signal,
	// so the subscription starts on its own goroutine.
	go func() {
		sub, err := g.subs.Subscribe(context.Background(), subs.Request{
			Table:    req.Table,
			View:     req.View,
			ViewDef:  req.ViewDef,
			Related:  req.Related,
			Filter:   req.Filter,
			Params:   req.Params,
			Actions:  actions,
			Throttle: time.Duration(req.ThrottleMS) * time.Millisecond,
			Consumer: consumer,
			Executor: exec,
		})
		if err != nil {
			log.Warn().Err(err).Str("conn", conn.ID()).Msg("Subscribe failed")
			_ = consumer.PushError("subscribe failed: " + err.Error())
			return
		}

		subMu.Lock()
		active = sub
		unsubscribed := gone
		subMu.Unlock()
		if unsubscribed {
			sub.Close()
			return
		}
		state.track(sub)
	}()

	return json.Marshal(subscribeReply{
		Channel:     name,
		Ready:       channel.ReadyTopic(name),
		Unsubscribe: channel.UnsubscribeTopic(name),
	})
}

type syncRequest struct {
	Channel      string   `json:"channelName,omitempty"`
	Table        string   `json:"table"`
	Filter       string   `json:"filter,omitempty"`
	Params       []any    `json:"params,omitempty"`
	SyncedField  string   `json:"synced_field"`
	IDFields     []string `json:"id_fields"`
	BatchSize    int      `json:"batch_size,omitempty"`
	ThrottleMS   int      `json:"throttle_ms,omitempty"`
	AllowDeletes bool     `json:"allow_deletes,omitempty"`
}

type syncReply struct {
	Channel string `json:"channelName"`
	Unsync  string `json:"channelNameUnsync"`
}

type syncData struct {
	Data []dataset.Row `json:"data"`
}

func (g *Gateway) handleSync(conn channel.Conn, payload []byte) ([]byte, error) {
	var req syncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed sync request: %w", err)
	}

	exec, rules, err := g.executors.Executor(req.Table)
	if err != nil {
		return nil, err
	}

	name := req.Channel
	if name == "" {
		name = "sync_" + uuid.NewString()
	}
	remote := syncer.NewConnRemote(conn, name)

	// The reply carries the channel name the consumer binds its request
	// handlers on, so the session starts after the reply is on the wire.
	go func() {
		session, err := g.syncs.AddSync(context.Background(), syncer.Request{
			Remote:       remote,
			ConnID:       conn.ID(),
			Table:        req.Table,
			Filter:       req.Filter,
			Params:       req.Params,
			SyncedField:  req.SyncedField,
			IDFields:     req.IDFields,
			BatchSize:    req.BatchSize,
			Throttle:     time.Duration(req.ThrottleMS) * time.Millisecond,
			AllowDeletes: req.AllowDeletes,
			Rules:        rules,
			Executor:     exec,
			Clock:        g.clock,
		})
		if err != nil {
			log.Warn().Err(err).Str("conn", conn.ID()).Str("table", req.Table).Msg("Sync setup failed")
			_ = remote.PushError(context.Background(), "sync setup failed: "+err.Error())
			return
		}

		// Rows the remote wrote locally arrive on the data channel and go
		// through the session's write-ahead buffer.
		conn.Handle(name, func(payload []byte) ([]byte, error) {
			var msg syncData
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, fmt.Errorf("malformed sync data: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return nil, session.SyncData(ctx, msg.Data, "remote push")
		})
		conn.Handle(channel.UnsyncTopic(name), func([]byte) ([]byte, error) {
			session.Close()
			return []byte(`{}`), nil
		})
	}()

	return json.Marshal(syncReply{
		Channel: name,
		Unsync:  channel.UnsyncTopic(name),
	})
}

// connConsumer pushes subscription snapshots over the consumer channel.
type connConsumer struct {
	conn         channel.Conn
	name         string
	readyTimeout time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

func newConnConsumer(conn channel.Conn, name string, readyTimeout time.Duration) *connConsumer {
	return &connConsumer{
		conn:         conn,
		name:         name,
		readyTimeout: readyTimeout,
		ready:        make(chan struct{}),
	}
}

func (c *connConsumer) signalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Ready waits for the consumer's ready signal so the first snapshot is not
// pushed at a client that has not finished wiring its handlers.
func (c *connConsumer) Ready() error {
	select {
	case <-c.ready:
		return nil
	case <-c.conn.Closed():
		return fmt.Errorf("connection closed before ready signal")
	case <-time.After(c.readyTimeout):
		return fmt.Errorf("consumer never signaled ready")
	}
}

func (c *connConsumer) Push(rows []dataset.Row) error {
	if rows == nil {
		rows = []dataset.Row{}
	}
	payload, err := json.Marshal(map[string]any{"data": rows})
	if err != nil {
		return err
	}
	return c.conn.Send(c.name, payload)
}

func (c *connConsumer) PushError(msg string) error {
	payload, err := json.Marshal(map[string]any{"error": msg})
	if err != nil {
		return err
	}
	return c.conn.Send(c.name, payload)
}
