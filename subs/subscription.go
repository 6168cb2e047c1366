package subs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/notify"
	"github.com/pgpulse/pgpulse/telemetry"
	"github.com/pgpulse/pgpulse/wire"
)

// State is the subscription lifecycle state.
type State int32

const (
	StatePending State = iota
	StateReady
	StatePushing
	StateThrottling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StatePushing:
		return "pushing"
	case StateThrottling:
		return "throttling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Consumer receives subscription output. Implementations must tolerate calls
// after their transport is gone; errors are absorbed per push and never
// affect sibling subscriptions.
type Consumer interface {
	Ready() error
	Push(rows []dataset.Row) error
	PushError(msg string) error
}

// CallbackConsumer adapts plain functions for in-process consumers. Nil
// fields are no-ops.
type CallbackConsumer struct {
	OnReady func() error
	OnPush  func(rows []dataset.Row) error
	OnError func(msg string) error
}

func (c CallbackConsumer) Ready() error {
	if c.OnReady == nil {
		return nil
	}
	return c.OnReady()
}

func (c CallbackConsumer) Push(rows []dataset.Row) error {
	if c.OnPush == nil {
		return nil
	}
	return c.OnPush(rows)
}

func (c CallbackConsumer) PushError(msg string) error {
	if c.OnError == nil {
		return nil
	}
	return c.OnError(msg)
}

// Subscription is one live result-set subscription. All pushes for one
// subscription are serialized through its event loop; the throttle window
// coalesces bursts into a single trailing push reflecting the latest state.
type Subscription struct {
	id       string
	manager  *Manager
	consumer Consumer
	exec     dataset.Executor

	// conditions bound in the trigger registry, one per base table
	bound []TableCondition

	filter   string
	args     []any
	throttle time.Duration
	actions  map[wire.Op]bool // nil = all operations

	state   atomic.Int32
	started atomic.Bool // loop ownership: whoever flips it first owns done
	events  <-chan notify.Event
	cancel  func()

	ctx      context.Context
	stop     context.CancelFunc
	done     chan struct{}
	lastPush time.Time
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

func (s *Subscription) setState(st State) { s.state.Store(int32(st)) }

// allows reports whether the subscription reacts to op.
func (s *Subscription) allows(op wire.Op) bool {
	if s.actions == nil {
		return true
	}
	return s.actions[op]
}

// Close tears the subscription down: the event loop stops, pending throttle
// timers are cancelled and the trigger-registry references are released.
// Idempotent; safe to call from any goroutine.
func (s *Subscription) Close() {
	for {
		cur := s.state.Load()
		if cur == int32(StateClosed) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateClosed)) {
			break
		}
	}
	s.close()
}

func (s *Subscription) close() {
	s.stop()
	if s.started.CompareAndSwap(false, true) {
		// The loop never started and now never will; nothing else closes
		// done.
		close(s.done)
	} else {
		<-s.done
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, tc := range s.bound {
		if err := s.manager.reg.Release(ctx, tc.Table, tc.Condition); err != nil {
			log.Warn().Err(err).Str("table", tc.Table).Msg("Failed to release trigger registration")
		}
	}

	s.manager.remove(s.id)
	telemetry.ActiveSubscriptions.Dec()
	log.Debug().Str("subscription", s.id).Msg("Subscription closed")
}

// loop serializes event handling, throttling and pushes. One pending timer
// at most; notifications landing inside the window are coalesced into the
// scheduled push.
func (s *Subscription) loop() {
	defer close(s.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			if ev.Err != "" {
				// Broken trigger condition. The data stream is unreliable
				// until the registration is rebuilt.
				if err := s.consumer.PushError("change detection failed, check server logs: " + ev.Err); err != nil {
					log.Warn().Err(err).Str("subscription", s.id).Msg("Failed to deliver error payload")
				}
				continue
			}
			if !s.allows(ev.Op) {
				continue
			}

			elapsed := time.Since(s.lastPush)
			if elapsed >= s.throttle {
				stopTimer()
				s.push()
				continue
			}
			if timerC == nil {
				s.setState(StateThrottling)
				timer = time.NewTimer(s.throttle - elapsed)
				timerC = timer.C
				telemetry.PushesTotal.With("throttled").Inc()
			}

		case <-timerC:
			timer, timerC = nil, nil
			s.push()

		case <-s.ctx.Done():
			return
		}
	}
}

// push queries the current result set and delivers it. Failures become error
// payloads for this consumer only.
func (s *Subscription) push() {
	s.setState(StatePushing)
	started := time.Now()

	rows, err := s.exec.Find(s.ctx, dataset.Query{
		Where: dataset.Where{Condition: s.filter, Args: s.args},
	})
	if err == nil {
		err = s.consumer.Push(rows)
	}

	telemetry.PushDurationSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.PushesTotal.With("failed").Inc()
		log.Warn().Err(err).Str("subscription", s.id).Msg("Push failed")
		if perr := s.consumer.PushError("push failed: " + err.Error()); perr != nil {
			log.Warn().Err(perr).Str("subscription", s.id).Msg("Failed to deliver error payload")
		}
	} else {
		telemetry.PushesTotal.With("sent").Inc()
	}

	s.lastPush = time.Now()
	if s.State() != StateClosed {
		s.setState(StateReady)
	}
}
