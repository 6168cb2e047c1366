// Package subs hosts live result-set subscriptions: each binds one or more
// trigger-registry conditions and pushes the current result set to its
// consumer whenever a matching change notification arrives, throttled per
// subscription.
package subs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/notify"
	"github.com/pgpulse/pgpulse/telemetry"
	"github.com/pgpulse/pgpulse/wire"
)

// Registrar is the trigger-registry surface subscriptions bind through.
type Registrar interface {
	AddTrigger(ctx context.Context, table, condition string) error
	AddViewTrigger(ctx context.Context, table, condition, viewName, viewDef string) error
	Release(ctx context.Context, table, condition string) error
}

// Bus delivers resolved change events.
type Bus interface {
	Subscribe(filter notify.Filter) (<-chan notify.Event, func())
}

// Request describes a subscription. Exactly one of Table or View must be
// set; View additionally needs ViewDef and Related.
type Request struct {
	Table string

	View    string
	ViewDef string
	Related []string

	// Filter scopes the result set and, for base tables, doubles as the
	// trigger condition. Params are positional args referenced as $1..$n.
	Filter string
	Params []any

	// Actions restricts which operations fire pushes. Empty = all.
	Actions []wire.Op

	Throttle time.Duration
	Consumer Consumer
	Executor dataset.Executor
}

// Config configures the subscription manager.
type Config struct {
	Registry        Registrar
	Bus             Bus
	DefaultThrottle time.Duration
	ViewCacheSize   int
}

// Manager owns every live subscription in this process.
type Manager struct {
	reg             Registrar
	bus             Bus
	defaultThrottle time.Duration

	// viewCache memoizes view decompositions keyed by view + filter hash.
	viewCache *lru.Cache[string, []TableCondition]

	subs *xsync.MapOf[string, *Subscription]
}

// NewManager creates a Manager.
func NewManager(config Config) (*Manager, error) {
	if config.Registry == nil || config.Bus == nil {
		return nil, fmt.Errorf("registry and bus are required")
	}
	if config.DefaultThrottle <= 0 {
		config.DefaultThrottle = 100 * time.Millisecond
	}
	if config.ViewCacheSize <= 0 {
		config.ViewCacheSize = 256
	}

	cache, err := lru.New[string, []TableCondition](config.ViewCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create view cache: %w", err)
	}

	return &Manager{
		reg:             config.Registry,
		bus:             config.Bus,
		defaultThrottle: config.DefaultThrottle,
		viewCache:       cache,
		subs:            xsync.NewMapOf[string, *Subscription](),
	}, nil
}

// Subscribe starts a subscription. Start is two-phase: the trigger
// registrations are installed before the consumer is signaled ready, so no
// change between registration and first snapshot is missed; the first push
// follows the ready signal.
func (m *Manager) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	conditions, err := m.conditions(req)
	if err != nil {
		return nil, err
	}

	// Phase one: install registrations. Roll back the ones already bound if
	// a later one fails.
	bound := make([]TableCondition, 0, len(conditions))
	for _, tc := range conditions {
		if req.View != "" {
			err = m.reg.AddViewTrigger(ctx, tc.Table, tc.Condition, req.View, req.ViewDef)
		} else {
			err = m.reg.AddTrigger(ctx, tc.Table, tc.Condition)
		}
		if err != nil {
			m.release(ctx, bound)
			return nil, fmt.Errorf("register condition on %s: %w", tc.Table, err)
		}
		bound = append(bound, tc)
	}

	throttle := req.Throttle
	if throttle <= 0 {
		throttle = m.defaultThrottle
	}

	var actions map[wire.Op]bool
	if len(req.Actions) > 0 {
		actions = make(map[wire.Op]bool, len(req.Actions))
		for _, op := range req.Actions {
			actions[op] = true
		}
	}

	tables := make([]string, 0, len(bound))
	hashes := make([]string, 0, len(bound))
	for _, tc := range bound {
		tables = append(tables, tc.Table)
		hashes = append(hashes, tc.Hash)
	}
	events, cancel := m.bus.Subscribe(notify.Filter{Tables: tables, Hashes: hashes})

	subCtx, stop := context.WithCancel(context.Background())
	sub := &Subscription{
		id:       uuid.NewString(),
		manager:  m,
		consumer: req.Consumer,
		exec:     req.Executor,
		bound:    bound,
		filter:   wire.NormalizeCondition(req.Filter),
		args:     req.Params,
		throttle: throttle,
		actions:  actions,
		events:   events,
		cancel:   cancel,
		ctx:      subCtx,
		stop:     stop,
		done:     make(chan struct{}),
	}
	if sub.filter == "TRUE" {
		sub.filter = ""
	}
	m.subs.Store(sub.id, sub)
	telemetry.ActiveSubscriptions.Inc()

	// Phase two: consumer acknowledges readiness, then the first snapshot
	// goes out before the event loop takes over.
	sub.setState(StateReady)
	if err := req.Consumer.Ready(); err != nil {
		sub.Close()
		return nil, fmt.Errorf("consumer ready signal: %w", err)
	}
	sub.push()
	if sub.started.CompareAndSwap(false, true) {
		go sub.loop()
	}

	log.Debug().
		Str("subscription", sub.id).
		Strs("tables", tables).
		Dur("throttle", throttle).
		Msg("Subscription started")
	return sub, nil
}

// Get returns a live subscription by id.
func (m *Manager) Get(id string) (*Subscription, bool) {
	return m.subs.Load(id)
}

// CloseAll tears down every live subscription, typically at shutdown or when
// a consumer connection drops.
func (m *Manager) CloseAll() {
	m.subs.Range(func(_ string, sub *Subscription) bool {
		sub.Close()
		return true
	})
}

func (m *Manager) remove(id string) {
	m.subs.Delete(id)
}

func (m *Manager) release(ctx context.Context, bound []TableCondition) {
	for _, tc := range bound {
		if err := m.reg.Release(ctx, tc.Table, tc.Condition); err != nil {
			log.Warn().Err(err).Str("table", tc.Table).Msg("Failed to release trigger registration")
		}
	}
}

// conditions resolves the trigger-registry bindings for a request. View
// decompositions are cached; the same view subscribed with the same filter
// decomposes identically every time.
func (m *Manager) conditions(req Request) ([]TableCondition, error) {
	if req.View == "" {
		condition := wire.NormalizeCondition(req.Filter)
		inlined, err := wire.InlineParams(condition, req.Params)
		if err != nil {
			return nil, err
		}
		return []TableCondition{{
			Table:     req.Table,
			Condition: inlined,
			Hash:      wire.ConditionHash(wire.NormalizeCondition(inlined)),
		}}, nil
	}

	key := req.View + "\x00" + wire.ConditionHash(req.ViewDef+"\x00"+req.Filter+fmt.Sprintf("%v", req.Params))
	if cached, ok := m.viewCache.Get(key); ok {
		return cached, nil
	}

	conditions, err := decomposeView(req.ViewDef, req.Filter, req.Params, req.Related)
	if err != nil {
		return nil, err
	}
	m.viewCache.Add(key, conditions)
	return conditions, nil
}

func validate(req Request) error {
	if req.Table == "" && req.View == "" {
		return fmt.Errorf("subscription needs a table or a view")
	}
	if req.Table != "" && req.View != "" {
		return fmt.Errorf("subscription cannot name both a table and a view")
	}
	if req.Consumer == nil {
		return fmt.Errorf("subscription needs a consumer")
	}
	if req.Executor == nil {
		return fmt.Errorf("subscription needs a row executor")
	}
	return nil
}
