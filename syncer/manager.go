// Package syncer reconciles independently writable copies of filtered row
// sets: one session per remote copy, driven by change notifications and by
// rows the remote sends in. Reconciliation is idempotent and convergent
// regardless of notification ordering or loss.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/notify"
	"github.com/pgpulse/pgpulse/telemetry"
	"github.com/pgpulse/pgpulse/wire"
)

// Registrar is the trigger-registry surface sessions bind through.
type Registrar interface {
	AddTrigger(ctx context.Context, table, condition string) error
	Release(ctx context.Context, table, condition string) error
}

// Bus delivers resolved change events.
type Bus interface {
	Subscribe(filter notify.Filter) (<-chan notify.Event, func())
}

// Request describes a sync session.
type Request struct {
	Remote Remote
	ConnID string

	Table       string
	Filter      string
	Params      []any
	SyncedField string
	IDFields    []string

	BatchSize    int
	Throttle     time.Duration
	AllowDeletes bool

	Rules    dataset.Rules
	Executor dataset.Executor
	Clock    ClockObserver
}

// Config configures the session manager.
type Config struct {
	Registry         Registrar
	Bus              Bus
	DefaultBatchSize int
	DefaultThrottle  time.Duration
	RoundTripTimeout time.Duration
}

// Manager owns every live sync session in this process. One session per
// (connection, table, filter); duplicates are rejected.
type Manager struct {
	reg Registrar
	bus Bus

	batchSize int
	throttle  time.Duration
	rtTimeout time.Duration

	sessions *xsync.MapOf[string, *managed]
}

type managed struct {
	session   *Session
	condition string
	cancelBus func()
	stop      context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(config Config) (*Manager, error) {
	if config.Registry == nil || config.Bus == nil {
		return nil, fmt.Errorf("registry and bus are required")
	}
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = 100
	}
	if config.DefaultThrottle <= 0 {
		config.DefaultThrottle = 100 * time.Millisecond
	}
	if config.RoundTripTimeout <= 0 {
		config.RoundTripTimeout = 30 * time.Second
	}

	return &Manager{
		reg:       config.Registry,
		bus:       config.Bus,
		batchSize: config.DefaultBatchSize,
		throttle:  config.DefaultThrottle,
		rtTimeout: config.RoundTripTimeout,
		sessions:  xsync.NewMapOf[string, *managed](),
	}, nil
}

// AddSync creates a session and binds its trigger condition so data changes
// inside the filter fire reconciliation passes. The first pass runs before
// AddSync returns.
func (m *Manager) AddSync(ctx context.Context, req Request) (*Session, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	condition := wire.NormalizeCondition(req.Filter)
	inlined, err := wire.InlineParams(condition, req.Params)
	if err != nil {
		return nil, err
	}

	key := sessionKey(req.ConnID, req.Table, inlined)
	if _, exists := m.sessions.Load(key); exists {
		return nil, fmt.Errorf("sync session already exists for connection %s on %s", req.ConnID, req.Table)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = m.batchSize
	}
	throttle := req.Throttle
	if throttle <= 0 {
		throttle = m.throttle
	}
	rules := req.Rules
	if rules == nil {
		rules = dataset.AllowAll
	}

	s := &Session{
		id:     uuid.NewString(),
		connID: req.ConnID,
		table:  req.Table,
		filter: condition,
		args:   req.Params,
		ident: identity{
			idFields:    req.IDFields,
			syncedField: req.SyncedField,
		},
		batchSize:    batchSize,
		throttle:     throttle,
		rtTimeout:    m.rtTimeout,
		exec:         req.Executor,
		rules:        rules,
		remote:       req.Remote,
		clock:        req.Clock,
		allowDeletes: req.AllowDeletes,
	}
	if s.filter == "TRUE" {
		s.filter = ""
	}
	s.wal = NewWAL(s.ident, throttle, s.flushWAL)

	if err := m.reg.AddTrigger(ctx, req.Table, inlined); err != nil {
		return nil, fmt.Errorf("register sync condition: %w", err)
	}

	events, cancelBus := m.bus.Subscribe(notify.Filter{
		Tables: []string{req.Table},
		Hashes: []string{wire.ConditionHash(wire.NormalizeCondition(inlined))},
	})

	loopCtx, stop := context.WithCancel(context.Background())
	entry := &managed{session: s, condition: inlined, cancelBus: cancelBus, stop: stop}

	s.onClose = func(closed *Session) {
		stop()
		cancelBus()
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.reg.Release(relCtx, closed.table, entry.condition); err != nil {
			log.Warn().Err(err).Str("table", closed.table).Msg("Failed to release sync condition")
		}
		m.sessions.Delete(key)
	}

	m.sessions.Store(key, entry)
	telemetry.ActiveSyncSessions.Inc()

	go m.watch(loopCtx, s, events)

	log.Debug().
		Str("session", s.id).
		Str("table", req.Table).
		Str("conn", req.ConnID).
		Msg("Sync session started")

	// Initial reconciliation so both copies converge before change
	// notifications take over.
	if err := s.SyncData(ctx, nil, "initial"); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Initial sync pass failed")
	}
	return s, nil
}

// watch drives reconciliation passes off change notifications. Broken
// trigger events are ignored here; a sync session self-heals on its next
// pass regardless of why notifications stopped being reliable.
func (m *Manager) watch(ctx context.Context, s *Session, events <-chan notify.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != "" {
				continue
			}
			passCtx, cancel := context.WithTimeout(ctx, m.rtTimeout+time.Minute)
			if err := s.SyncData(passCtx, nil, "notification"); err != nil {
				log.Warn().Err(err).Str("session", s.id).Msg("Notification-driven sync pass failed")
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Get returns the session for (connID, table, filter) if one exists.
func (m *Manager) Get(connID, table, filter string, params []any) (*Session, bool) {
	inlined, err := wire.InlineParams(wire.NormalizeCondition(filter), params)
	if err != nil {
		return nil, false
	}
	entry, ok := m.sessions.Load(sessionKey(connID, table, inlined))
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// CloseConn tears down every session owned by a connection.
func (m *Manager) CloseConn(connID string) {
	m.sessions.Range(func(_ string, entry *managed) bool {
		if entry.session.ConnID() == connID {
			entry.session.Close()
		}
		return true
	})
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(_ string, entry *managed) bool {
		entry.session.Close()
		return true
	})
}

func sessionKey(connID, table, condition string) string {
	return connID + "\x00" + table + "\x00" + wire.ConditionHash(condition)
}

func validate(req Request) error {
	if req.Remote == nil {
		return fmt.Errorf("sync session needs a remote")
	}
	if req.ConnID == "" {
		return fmt.Errorf("sync session needs a connection id")
	}
	if req.Table == "" {
		return fmt.Errorf("sync session needs a table")
	}
	if req.SyncedField == "" {
		return fmt.Errorf("sync session needs a synced field")
	}
	if len(req.IDFields) == 0 {
		return fmt.Errorf("sync session needs id fields")
	}
	if req.Executor == nil {
		return fmt.Errorf("sync session needs a row executor")
	}
	return nil
}
