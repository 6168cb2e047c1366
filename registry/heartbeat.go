package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/telemetry"
)

// heartbeatLoop refreshes this process's liveness row and garbage-collects
// state left behind by processes that stopped heartbeating. Any live instance
// may collect any dead instance; the deletes are conflict-tolerant so
// concurrent passes from different processes are harmless.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.hbInterval)
			if err := r.Heartbeat(ctx); err != nil {
				log.Warn().Err(err).Msg("Heartbeat failed")
			}
			if err := r.GCOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Registration garbage collection failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Heartbeat refreshes this process's last_heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.processes SET last_heartbeat = now() WHERE id = $1`, r.schema,
	), r.processID)
	if err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	return nil
}

// GCOnce runs a single garbage-collection pass: processes whose heartbeat is
// older than their own check interval times the stale multiplier are deleted
// (their registrations cascade), and tables left with no registrations get
// their triggers disabled.
func (r *Registry) GCOnce(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`DELETE FROM %s.processes
		 WHERE id <> $1
		   AND last_heartbeat < now() - (check_interval_ms * $2) * interval '1 millisecond'
		 RETURNING id`, r.schema,
	), r.processID, r.staleAfter)
	if err != nil {
		return fmt.Errorf("delete stale processes: %w", err)
	}
	defer rows.Close()

	reclaimed := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan reclaimed process: %w", err)
		}
		log.Info().Str("stale_process", id).Msg("Reclaimed stale process registration")
		reclaimed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("delete stale processes: %w", err)
	}

	if reclaimed == 0 {
		return nil
	}
	telemetry.ReclaimedProcessesTotal.Add(float64(reclaimed))

	if err := r.disableUnreferencedTables(ctx); err != nil {
		return err
	}
	// Index assignments may have shifted after the cascade delete.
	return r.Refresh(ctx)
}

// disableUnreferencedTables disables the generated triggers on every table
// that still carries them but no longer appears in the registration table.
func (r *Registry) disableUnreferencedTables(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT c.relname
		 FROM pg_trigger t
		 JOIN pg_class c ON c.oid = t.tgrelid
		 WHERE t.tgname = '%s'
		   AND t.tgenabled <> 'D'
		   AND c.relname NOT IN (SELECT DISTINCT table_name FROM %s.triggers)`,
		triggerNameInsert, r.schema,
	))
	if err != nil {
		return fmt.Errorf("find unreferenced tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return fmt.Errorf("scan unreferenced table: %w", err)
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("find unreferenced tables: %w", err)
	}

	for _, table := range tables {
		if _, err := r.db.ExecContext(ctx, disableTableTriggersSQL(table)); err != nil {
			return fmt.Errorf("disable triggers on %s: %w", table, err)
		}
		log.Debug().Str("table", table).Msg("Disabled change triggers on unreferenced table")
	}
	return nil
}
