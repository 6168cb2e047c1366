package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/lib/pq"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/telemetry"
	"github.com/pgpulse/pgpulse/wire"
)

// Condition is one registered (table, predicate) pair as seen by this
// process, carrying the per-process index used in notification payloads.
// Indexes are assigned at registration read-time by the v_triggers view, so a
// snapshot is only valid until the next Refresh.
type Condition struct {
	Table      string
	Normalized string
	Hash       string
	Index      int
}

// Config configures the trigger registry.
type Config struct {
	DB                 Querier
	ProcessID          string
	Schema             string
	WatchSchema        bool
	HeartbeatInterval  time.Duration
	StaleAfterMissed   int
	DeadlockMaxRetries int
	DeadlockBackoff    time.Duration
}

// Registry owns this process's rows in the shared trigger-registration table
// and the in-memory condition index snapshot derived from them. Many
// processes run against the same control schema concurrently; all
// coordination goes through conflict-tolerant writes to the shared tables.
type Registry struct {
	db          Querier
	processID   string
	schema      string
	watchSchema bool
	dialect     goqu.DialectWrapper

	hbInterval time.Duration
	staleAfter int
	maxRetries int
	backoff    time.Duration

	// snapshot: table -> conditions ordered by per-process index
	snapshot *xsync.MapOf[string, []Condition]

	// refs counts live consumers per (table, condition hash) in this process.
	refMu sync.Mutex
	refs  map[string]int

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ErrRetriesExhausted wraps a deadlock that survived every retry attempt.
var ErrRetriesExhausted = errors.New("deadlock retries exhausted")

// New creates a Registry. Start must be called before use.
func New(config Config) (*Registry, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if config.ProcessID == "" {
		return nil, fmt.Errorf("process id is required")
	}
	if config.Schema == "" {
		config.Schema = "pgpulse"
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.StaleAfterMissed <= 0 {
		config.StaleAfterMissed = 3
	}
	if config.DeadlockBackoff <= 0 {
		config.DeadlockBackoff = 50 * time.Millisecond
	}

	return &Registry{
		db:          config.DB,
		processID:   config.ProcessID,
		schema:      config.Schema,
		watchSchema: config.WatchSchema,
		dialect:     goqu.Dialect("postgres"),
		hbInterval:  config.HeartbeatInterval,
		staleAfter:  config.StaleAfterMissed,
		maxRetries:  config.DeadlockMaxRetries,
		backoff:     config.DeadlockBackoff,
		snapshot:    xsync.NewMapOf[string, []Condition](),
		refs:        make(map[string]int),
		stopCh:      make(chan struct{}),
	}, nil
}

// ProcessID returns this process's durable registration id.
func (r *Registry) ProcessID() string { return r.processID }

// Channel returns this process's private notification channel name.
func (r *Registry) Channel() string { return ChannelName(r.processID) }

// Start installs the control schema, registers the process row and begins the
// heartbeat loop.
func (r *Registry) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return fmt.Errorf("registry already running")
	}

	err := r.withDeadlockRetry(ctx, "install control schema", func() error {
		return EnsureSchema(ctx, r.db, r.schema)
	})
	if err != nil {
		return err
	}

	if err := r.registerProcess(ctx); err != nil {
		return err
	}

	if err := r.Refresh(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.heartbeatLoop()

	log.Info().
		Str("process_id", r.processID).
		Str("channel", r.Channel()).
		Msg("Trigger registry started")
	return nil
}

// Stop ends the heartbeat loop and removes this process's durable state. Any
// table left without registrations gets its triggers disabled.
func (r *Registry) Stop(ctx context.Context) {
	if !r.running.Swap(false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()

	sqlStr, args, err := r.dialect.Delete(goqu.S(r.schema).Table("processes")).
		Prepared(true).
		Where(goqu.C("id").Eq(r.processID)).
		ToSQL()
	if err == nil {
		_, err = r.db.ExecContext(ctx, sqlStr, args...)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to deregister process")
	}

	if err := r.disableUnreferencedTables(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to disable orphaned table triggers")
	}

	log.Info().Str("process_id", r.processID).Msg("Trigger registry stopped")
}

// AddTrigger registers interest in (table, condition) for this process and
// installs the change-detection triggers on the table. Idempotent: a second
// consumer of the same condition shares the existing registration.
func (r *Registry) AddTrigger(ctx context.Context, table, condition string) error {
	return r.addTrigger(ctx, table, condition, "", "")
}

// AddViewTrigger registers a condition derived from a view decomposition,
// recording the view name and definition alongside it for diagnostics.
func (r *Registry) AddViewTrigger(ctx context.Context, table, condition, viewName, viewDef string) error {
	return r.addTrigger(ctx, table, condition, viewName, viewDef)
}

func (r *Registry) addTrigger(ctx context.Context, table, condition, viewName, viewDef string) error {
	normalized := wire.NormalizeCondition(condition)
	hash := wire.ConditionHash(normalized)

	record := goqu.Record{
		"process_id":     r.processID,
		"table_name":     table,
		"condition":      normalized,
		"condition_hash": hash,
		"last_used":      goqu.L("now()"),
	}
	if viewName != "" {
		record["related_view_name"] = viewName
		record["related_view_def"] = viewDef
	}

	insertSQL, args, err := r.dialect.Insert(goqu.S(r.schema).Table("triggers")).
		Prepared(true).
		Rows(record).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build registration insert: %w", err)
	}

	err = r.withDeadlockRetry(ctx, "register trigger", func() error {
		if _, err := r.db.ExecContext(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("insert registration: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, installTableTriggersSQL(r.schema, table)); err != nil {
			return fmt.Errorf("install table triggers: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.refMu.Lock()
	r.refs[refKey(table, hash)]++
	r.refMu.Unlock()

	if err := r.Refresh(ctx); err != nil {
		return err
	}

	log.Debug().
		Str("table", table).
		Str("condition", normalized).
		Str("hash", hash).
		Msg("Registered trigger condition")
	return nil
}

// Release drops one consumer reference on (table, condition). When the last
// in-process reference is gone the durable registration row is deleted; when
// the table has no registrations left from any process, its triggers are
// disabled.
func (r *Registry) Release(ctx context.Context, table, condition string) error {
	normalized := wire.NormalizeCondition(condition)
	hash := wire.ConditionHash(normalized)
	key := refKey(table, hash)

	r.refMu.Lock()
	if r.refs[key] > 1 {
		r.refs[key]--
		r.refMu.Unlock()
		return nil
	}
	delete(r.refs, key)
	r.refMu.Unlock()

	return r.deleteRegistrations(ctx, table, []string{hash})
}

// RemoveOrphaned deletes this process's registrations for a table that no
// live consumer references. Called by the relay when a notification carries
// indexes the current snapshot cannot resolve.
func (r *Registry) RemoveOrphaned(ctx context.Context, table string) error {
	r.refMu.Lock()
	wanted := make([]string, 0)
	for key := range r.refs {
		if t, h, ok := splitRefKey(key); ok && t == table {
			wanted = append(wanted, h)
		}
	}
	r.refMu.Unlock()

	ds := r.dialect.Delete(goqu.S(r.schema).Table("triggers")).
		Prepared(true).
		Where(
			goqu.C("process_id").Eq(r.processID),
			goqu.C("table_name").Eq(table),
		)
	if len(wanted) > 0 {
		ds = ds.Where(goqu.C("condition_hash").NotIn(wanted))
	}

	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build orphan delete: %w", err)
	}

	err = r.withDeadlockRetry(ctx, "remove orphaned registrations", func() error {
		_, err := r.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
	if err != nil {
		return err
	}

	if err := r.disableUnreferencedTables(ctx); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

func (r *Registry) deleteRegistrations(ctx context.Context, table string, hashes []string) error {
	sqlStr, args, err := r.dialect.Delete(goqu.S(r.schema).Table("triggers")).
		Prepared(true).
		Where(
			goqu.C("process_id").Eq(r.processID),
			goqu.C("table_name").Eq(table),
			goqu.C("condition_hash").In(hashes),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build registration delete: %w", err)
	}

	err = r.withDeadlockRetry(ctx, "delete registration", func() error {
		_, err := r.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
	if err != nil {
		return err
	}

	if err := r.disableUnreferencedTables(ctx); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// Refresh reloads the per-process condition index map from the registration
// view. Notification payloads reference these indexes, so dispatch always
// resolves against the latest snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	sqlStr, args, err := r.dialect.From(goqu.S(r.schema).Table("v_triggers")).
		Prepared(true).
		Select("table_name", "condition", "condition_hash", "c_index").
		Where(goqu.C("process_id").Eq(r.processID)).
		Order(goqu.C("table_name").Asc(), goqu.C("c_index").Asc()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build refresh query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("read registration view: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string][]Condition)
	total := 0
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.Table, &c.Normalized, &c.Hash, &c.Index); err != nil {
			return fmt.Errorf("scan registration row: %w", err)
		}
		fresh[c.Table] = append(fresh[c.Table], c)
		total++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read registration view: %w", err)
	}

	// Replace wholesale: stale tables must disappear from the snapshot.
	r.snapshot.Range(func(table string, _ []Condition) bool {
		if _, ok := fresh[table]; !ok {
			r.snapshot.Delete(table)
		}
		return true
	})
	for table, conds := range fresh {
		r.snapshot.Store(table, conds)
	}

	telemetry.RegisteredConditions.Set(float64(total))
	return nil
}

// Resolve maps a notification condition index to its registration.
func (r *Registry) Resolve(table string, index int) (Condition, bool) {
	conds, ok := r.snapshot.Load(table)
	if !ok {
		return Condition{}, false
	}
	for _, c := range conds {
		if c.Index == index {
			return c, true
		}
	}
	return Condition{}, false
}

// Conditions returns the current snapshot for a table, ordered by index.
func (r *Registry) Conditions(table string) []Condition {
	conds, _ := r.snapshot.Load(table)
	return conds
}

// WatchSchema reports whether this process opted into DDL notifications.
func (r *Registry) WatchSchema() bool { return r.watchSchema }

func (r *Registry) registerProcess(ctx context.Context) error {
	sqlStr, args, err := r.dialect.Insert(goqu.S(r.schema).Table("processes")).
		Prepared(true).
		Rows(goqu.Record{
			"id":                r.processID,
			"watch_schema":      r.watchSchema,
			"check_interval_ms": r.hbInterval.Milliseconds(),
			"last_heartbeat":    goqu.L("now()"),
		}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{"last_heartbeat": goqu.L("now()")})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build process registration: %w", err)
	}

	return r.withDeadlockRetry(ctx, "register process", func() error {
		_, err := r.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// withDeadlockRetry retries fn on deadlock and serialization failures with
// jittered exponential delay, up to the configured attempt count.
func (r *Registry) withDeadlockRetry(ctx context.Context, op string, fn func() error) error {
	delay := r.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRetryableConflict(err) {
			return err
		}
		if attempt >= r.maxRetries {
			return fmt.Errorf("%s: %w after %d attempts: %v", op, ErrRetriesExhausted, attempt+1, err)
		}

		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("delay", delay+jitter).
			Msg("Deadlock on control table, retrying")
		telemetry.DeadlockRetriesTotal.Inc()

		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}

// isRetryableConflict reports whether err is a Postgres deadlock (40P01) or
// serialization failure (40001).
func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01" || pqErr.Code == "40001"
	}
	return false
}

func refKey(table, hash string) string {
	return table + "\x00" + hash
}

func splitRefKey(key string) (table, hash string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
