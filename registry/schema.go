package registry

import (
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// Querier is the database surface the registry needs. *sql.DB satisfies it;
// tests inject recorders.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// controlDDL returns the DDL for the durable control schema. All coordination
// between processes happens through these tables; no in-memory cross-process
// locks exist.
//
// v_triggers assigns each registration a dense per-process index ordered by
// (table, condition). That index is what notification payloads carry, so it
// must be re-resolved against a fresh read of this view before dispatch.
func controlDDL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.processes (
	id                text PRIMARY KEY,
	last_heartbeat    timestamptz NOT NULL DEFAULT now(),
	watch_schema      boolean NOT NULL DEFAULT false,
	check_interval_ms integer NOT NULL DEFAULT 10000
);

CREATE TABLE IF NOT EXISTS %[1]s.triggers (
	process_id        text NOT NULL REFERENCES %[1]s.processes(id) ON DELETE CASCADE,
	table_name        text NOT NULL,
	condition         text NOT NULL,
	condition_hash    text NOT NULL,
	related_view_name text,
	related_view_def  text,
	last_used         timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (process_id, table_name, condition_hash)
);

CREATE INDEX IF NOT EXISTS triggers_table_idx ON %[1]s.triggers (table_name);

CREATE OR REPLACE VIEW %[1]s.v_triggers AS
SELECT
	t.*,
	row_number() OVER (ORDER BY t.table_name, t.condition) - 1 AS global_index,
	row_number() OVER (
		PARTITION BY t.process_id, t.table_name
		ORDER BY t.table_name, t.condition
	) - 1 AS c_index
FROM %[1]s.triggers t;

CREATE TABLE IF NOT EXISTS %[1]s.schema_version (
	version_hash text PRIMARY KEY,
	installed_at timestamptz NOT NULL DEFAULT now()
);
`, schema)
}

// SchemaVersionHash is the content hash of the control schema plus the
// generated procedure templates. A version bump drops and recreates the whole
// control schema, so stale installations from older builds never linger.
func SchemaVersionHash(schema string) string {
	h := xxhash.New()
	h.WriteString(controlDDL(schema))
	h.WriteString(notifyFunctionDDL(schema))
	h.WriteString(metaTriggerDDL(schema))
	h.WriteString(schemaWatchDDL(schema))
	return fmt.Sprintf("%016x", h.Sum64())
}

// EnsureSchema creates the control schema, dropping any installation whose
// version hash differs from this build.
func EnsureSchema(ctx context.Context, db Querier, schema string) error {
	want := SchemaVersionHash(schema)

	var current string
	err := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT version_hash FROM %s.schema_version ORDER BY installed_at DESC LIMIT 1`, schema,
	)).Scan(&current)
	switch {
	case err == nil && current == want:
		return nil
	case err == nil:
		log.Info().
			Str("installed", current).
			Str("want", want).
			Msg("Control schema version mismatch, recreating")
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA %s CASCADE`, schema)); err != nil {
			return fmt.Errorf("drop stale control schema: %w", err)
		}
	case err == sql.ErrNoRows:
		// Version table exists but is empty, fall through to install.
	default:
		// Most likely the schema does not exist yet. Installation below is
		// idempotent either way.
		log.Debug().Err(err).Msg("Control schema version probe failed, installing")
	}

	for _, stmt := range []string{
		controlDDL(schema),
		notifyFunctionDDL(schema),
		metaTriggerDDL(schema),
		schemaWatchDDL(schema),
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install control schema: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.schema_version (version_hash) VALUES ($1) ON CONFLICT DO NOTHING`, schema,
	), want); err != nil {
		return fmt.Errorf("record control schema version: %w", err)
	}

	log.Info().Str("schema", schema).Str("version", want).Msg("Control schema ready")
	return nil
}

// ChannelName derives the private notification channel for a process. The
// generated procedures derive the same name in SQL (md5 is available on both
// sides), so the hash function here must stay in step with channelNameSQL.
func ChannelName(processID string) string {
	sum := md5.Sum([]byte(processID))
	return fmt.Sprintf("pgpulse_%x", sum[:8])
}

// channelNameSQL is the SQL expression producing ChannelName(process_id).
func channelNameSQL(processIDExpr string) string {
	return fmt.Sprintf(`'pgpulse_' || substr(md5(%s), 1, 16)`, processIDExpr)
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
