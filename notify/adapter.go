package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/telemetry"
)

// Handler receives raw notification payloads in arrival order.
type Handler func(payload string)

// listenSource is the subset of *pq.Listener the adapter uses. Tests inject
// fakes; production wires the real listener.
type listenSource interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// AdapterConfig configures the LISTEN connection.
type AdapterConfig struct {
	DSN                  string
	Channel              string
	ReconnectDelay       time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
}

// Adapter owns the dedicated LISTEN connection for this process's private
// notification channel. lib/pq reconnects the underlying connection itself;
// the adapter bounds consecutive failures, keeps the connection alive with
// pings and surfaces reconnects to the owner, which must refresh its
// registration snapshot since notifications may have been missed while the
// connection was down.
type Adapter struct {
	channel     string
	pingEvery   time.Duration
	maxAttempts int

	listener    listenSource
	handler     Handler
	onReconnect func()

	attempts atomic.Int32
	fatal    chan error
	stopped  atomic.Bool
}

// NewAdapter creates an Adapter connected to the process's private channel.
func NewAdapter(config AdapterConfig, handler Handler, onReconnect func()) *Adapter {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 500 * time.Millisecond
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 30 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 10
	}

	a := &Adapter{
		channel:     config.Channel,
		pingEvery:   config.PingInterval,
		maxAttempts: config.MaxReconnectAttempts,
		handler:     handler,
		onReconnect: onReconnect,
		fatal:       make(chan error, 1),
	}
	a.listener = pq.NewListener(config.DSN, config.ReconnectDelay, config.MaxReconnectInterval, a.onEvent)
	return a
}

// newAdapterWithSource is the test seam.
func newAdapterWithSource(source listenSource, channel string, pingEvery time.Duration, handler Handler, onReconnect func()) *Adapter {
	return &Adapter{
		channel:     channel,
		pingEvery:   pingEvery,
		maxAttempts: 10,
		listener:    source,
		handler:     handler,
		onReconnect: onReconnect,
		fatal:       make(chan error, 1),
	}
}

// Start issues LISTEN on the private channel, retrying with exponential
// delay while the server comes up.
func (a *Adapter) Start(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.listener.Listen(a.channel)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(a.maxAttempts)))
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.channel, err)
	}

	log.Info().Str("channel", a.channel).Msg("Listening for notifications")
	return nil
}

// Run delivers payloads to the handler until the context ends, the listener
// closes, or reconnection attempts are exhausted. It always returns after
// closing the listener.
func (a *Adapter) Run(ctx context.Context) error {
	ping := time.NewTicker(a.pingEvery)
	defer ping.Stop()

	for {
		select {
		case n, ok := <-a.listener.NotificationChannel():
			if !ok {
				return nil
			}
			if n == nil {
				// lib/pq sends nil after re-establishing the connection.
				// Notifications sent while disconnected are gone.
				telemetry.ListenerReconnectsTotal.Inc()
				log.Warn().Str("channel", a.channel).Msg("Listener reconnected, notifications may have been missed")
				if a.onReconnect != nil {
					a.onReconnect()
				}
				continue
			}
			a.handler(n.Extra)

		case <-ping.C:
			if err := a.listener.Ping(); err != nil {
				log.Warn().Err(err).Msg("Listener ping failed")
			}

		case err := <-a.fatal:
			a.Stop()
			return err

		case <-ctx.Done():
			a.Stop()
			return ctx.Err()
		}
	}
}

// Stop closes the listener. Safe to call more than once.
func (a *Adapter) Stop() {
	if a.stopped.CompareAndSwap(false, true) {
		if err := a.listener.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close listener")
		}
	}
}

// onEvent is the pq.Listener state callback. Consecutive failed connection
// attempts beyond the configured bound abort Run; any successful connection
// resets the count.
func (a *Adapter) onEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		a.attempts.Store(0)
	case pq.ListenerEventConnectionAttemptFailed:
		if int(a.attempts.Add(1)) >= a.maxAttempts {
			select {
			case a.fatal <- fmt.Errorf("listener gave up after %d attempts: %w", a.maxAttempts, err):
			default:
			}
		}
		log.Warn().Err(err).Int32("attempt", a.attempts.Load()).Msg("Listener connection attempt failed")
	case pq.ListenerEventDisconnected:
		log.Warn().Err(err).Msg("Listener disconnected")
	}
}
