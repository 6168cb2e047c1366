// Package relay decodes raw notification payloads and routes them: data
// messages become resolved change events on the hub, trigger-set messages
// refresh the registration snapshot, schema messages reach the DDL callback.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/notify"
	"github.com/pgpulse/pgpulse/registry"
	"github.com/pgpulse/pgpulse/telemetry"
	"github.com/pgpulse/pgpulse/wire"
)

// Registrar is the registry surface the relay dispatches against.
type Registrar interface {
	Refresh(ctx context.Context) error
	Resolve(table string, index int) (registry.Condition, bool)
	RemoveOrphaned(ctx context.Context, table string) error
}

// Publisher receives resolved change events.
type Publisher interface {
	Publish(ev notify.Event)
}

// SchemaFunc is invoked for DDL notifications with the command tag and the
// statement that ran.
type SchemaFunc func(command, query string)

// Relay routes decoded notifications. One relay serves one process's private
// channel.
type Relay struct {
	reg      Registrar
	hub      Publisher
	onSchema SchemaFunc
}

// New creates a Relay. onSchema may be nil when the process does not watch
// DDL.
func New(reg Registrar, hub Publisher, onSchema SchemaFunc) *Relay {
	return &Relay{reg: reg, hub: hub, onSchema: onSchema}
}

// OnMessage decodes and dispatches one raw payload. Malformed payloads are
// counted and dropped; a notification channel is shared infrastructure and a
// bad payload must never wedge the dispatch loop.
func (r *Relay) OnMessage(ctx context.Context, payload string) {
	started := time.Now()
	defer func() {
		telemetry.NotificationDispatchSeconds.Observe(time.Since(started).Seconds())
	}()

	msg, err := wire.Decode(payload)
	if err != nil {
		telemetry.NotificationDecodeFailuresTotal.Inc()
		log.Warn().Err(err).Str("payload", payload).Msg("Dropping undecodable notification")
		return
	}
	telemetry.NotificationsTotal.With(string(msg.Kind)).Inc()

	switch msg.Kind {
	case wire.KindTriggers:
		if err := r.reg.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh registrations after trigger-set change")
		}
	case wire.KindSchema:
		if r.onSchema != nil {
			r.onSchema(msg.Command, msg.Query)
		}
	case wire.KindData:
		r.onData(ctx, msg)
	}
}

// OnReconnect re-reads the registration snapshot after the LISTEN connection
// was re-established. Notifications sent while disconnected are lost, so the
// snapshot must not be trusted.
func (r *Relay) OnReconnect(ctx context.Context) {
	if err := r.reg.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh registrations after reconnect")
	}
}

func (r *Relay) onData(ctx context.Context, msg wire.Message) {
	if msg.IsErr() {
		// The generated procedure could not evaluate a condition on this
		// table. Consumers decide whether to re-register or drop out.
		telemetry.BrokenTriggersTotal.Inc()
		log.Warn().
			Str("table", msg.Table).
			Str("error", msg.ErrText).
			Msg("Trigger condition failed to evaluate")
		r.hub.Publish(notify.Event{Table: msg.Table, Op: msg.Op, Err: msg.ErrText})
		return
	}

	events, stale := r.resolve(msg)
	if stale {
		// Index assignments shift whenever any process's registrations
		// change. Retry once against a fresh snapshot before concluding the
		// registrations are orphaned.
		if err := r.reg.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh registrations for stale indexes")
			return
		}
		events, stale = r.resolve(msg)
		if stale {
			telemetry.StaleIndexesTotal.Inc()
			log.Warn().
				Str("table", msg.Table).
				Ints("indexes", msg.Indexes).
				Msg("Notification references unknown condition indexes, pruning orphaned registrations")
			if err := r.reg.RemoveOrphaned(ctx, msg.Table); err != nil {
				log.Warn().Err(err).Str("table", msg.Table).Msg("Failed to prune orphaned registrations")
			}
		}
	}

	for _, ev := range events {
		r.hub.Publish(ev)
	}
}

// resolve maps the message's condition indexes to registrations under the
// current snapshot. stale is true when any index could not be resolved.
func (r *Relay) resolve(msg wire.Message) (events []notify.Event, stale bool) {
	for _, index := range msg.Indexes {
		cond, ok := r.reg.Resolve(msg.Table, index)
		if !ok {
			return nil, true
		}
		events = append(events, notify.Event{
			Table:     msg.Table,
			Op:        msg.Op,
			Condition: cond.Normalized,
			Hash:      cond.Hash,
		})
	}
	return events, false
}
