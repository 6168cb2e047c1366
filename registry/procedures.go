package registry

import (
	"fmt"
	"strings"

	"github.com/pgpulse/pgpulse/wire"
)

// Names of the generated statement-level triggers installed on each watched
// table. They are enabled and disabled as registrations come and go, never
// dropped while any process still references the table.
const (
	triggerNameInsert = "pgpulse_watch_insert"
	triggerNameUpdate = "pgpulse_watch_update"
	triggerNameDelete = "pgpulse_watch_delete"
)

var watchTriggerNames = []string{triggerNameInsert, triggerNameUpdate, triggerNameDelete}

// notifyFunctionDDL generates the change-detection procedure shared by every
// per-table trigger. Registered predicates are data, so the body iterates the
// registration view generically: for each owning process it probes every
// registered condition as an EXISTS over the statement's transition set,
// collects the per-process indexes that matched, and emits exactly one
// pg_notify on that process's private channel. A condition that no longer
// evaluates (schema drift) turns the whole payload into an error marker for
// its owning process.
func notifyFunctionDDL(schema string) string {
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s.notify_changes() RETURNS trigger
LANGUAGE plpgsql SECURITY DEFINER AS $fn$
DECLARE
	op      text := lower(TG_OP);
	proc    record;
	cond    record;
	hit     boolean;
	matched text;
	err_msg text;
	payload text;
BEGIN
	FOR proc IN
		SELECT DISTINCT process_id FROM %[1]s.v_triggers WHERE table_name = TG_TABLE_NAME
	LOOP
		matched := NULL;
		err_msg := NULL;

		FOR cond IN
			SELECT condition, c_index FROM %[1]s.v_triggers
			WHERE table_name = TG_TABLE_NAME AND process_id = proc.process_id
			ORDER BY c_index
		LOOP
			BEGIN
				IF op = 'insert' THEN
					EXECUTE format('SELECT EXISTS(SELECT 1 FROM new_table WHERE %%s)', cond.condition) INTO hit;
				ELSIF op = 'delete' THEN
					EXECUTE format('SELECT EXISTS(SELECT 1 FROM old_table WHERE %%s)', cond.condition) INTO hit;
				ELSE
					EXECUTE format(
						'SELECT EXISTS(SELECT 1 FROM new_table WHERE %%s) OR EXISTS(SELECT 1 FROM old_table WHERE %%s)',
						cond.condition, cond.condition
					) INTO hit;
				END IF;
			EXCEPTION WHEN OTHERS THEN
				err_msg := SQLERRM;
				EXIT;
			END;

			IF hit THEN
				matched := coalesce(matched || ',', '') || cond.c_index::text;
			END IF;
		END LOOP;

		IF err_msg IS NOT NULL THEN
			payload := 'data%[2]s' || TG_TABLE_NAME || '%[2]s' || op || '%[2]serror ' || err_msg;
		ELSIF matched IS NOT NULL THEN
			payload := 'data%[2]s' || TG_TABLE_NAME || '%[2]s' || op || '%[2]s' || matched;
		ELSE
			CONTINUE;
		END IF;

		PERFORM pg_notify(%[3]s, payload);
	END LOOP;

	RETURN NULL;
END;
$fn$;
`, schema, wire.Delimiter, channelNameSQL("proc.process_id"))
}

// metaTriggerDDL watches the registration table itself: any change to the
// shared trigger set tells every live process to refresh its in-memory
// condition index map.
func metaTriggerDDL(schema string) string {
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s.notify_trigger_set() RETURNS trigger
LANGUAGE plpgsql SECURITY DEFINER AS $fn$
DECLARE
	p record;
BEGIN
	FOR p IN SELECT id FROM %[1]s.processes LOOP
		PERFORM pg_notify(%[2]s, 'triggers');
	END LOOP;
	RETURN NULL;
END;
$fn$;

DROP TRIGGER IF EXISTS pgpulse_trigger_set_watch ON %[1]s.triggers;
CREATE TRIGGER pgpulse_trigger_set_watch
	AFTER INSERT OR DELETE ON %[1]s.triggers
	FOR EACH STATEMENT EXECUTE FUNCTION %[1]s.notify_trigger_set();
`, schema, channelNameSQL("p.id"))
}

// schemaWatchDDL installs the DDL event trigger. Only processes that opted in
// (watch_schema) receive schema messages.
func schemaWatchDDL(schema string) string {
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s.notify_schema_change() RETURNS event_trigger
LANGUAGE plpgsql SECURITY DEFINER AS $fn$
DECLARE
	p record;
BEGIN
	FOR p IN SELECT id FROM %[1]s.processes WHERE watch_schema LOOP
		PERFORM pg_notify(%[2]s, 'schema%[3]s' || tg_tag || '%[3]s' || coalesce(current_query(), ''));
	END LOOP;
END;
$fn$;

DROP EVENT TRIGGER IF EXISTS pgpulse_schema_watch;
CREATE EVENT TRIGGER pgpulse_schema_watch ON ddl_command_end
	EXECUTE FUNCTION %[1]s.notify_schema_change();
`, schema, channelNameSQL("p.id"), wire.Delimiter)
}

// installTableTriggersSQL creates the three statement-level triggers on a
// table (skipping any that already exist) and re-enables any that were
// disabled by a previous garbage-collection pass. Statement-level with
// transition tables: the procedure sees the full set of changed rows per
// statement, not one row at a time.
func installTableTriggersSQL(schema, table string) string {
	qt := quoteIdent(table)
	var b strings.Builder
	b.WriteString("DO $do$\nBEGIN\n")

	specs := []struct {
		name        string
		timing      string
		referencing string
	}{
		{triggerNameInsert, "AFTER INSERT", "REFERENCING NEW TABLE AS new_table"},
		{triggerNameUpdate, "AFTER UPDATE", "REFERENCING OLD TABLE AS old_table NEW TABLE AS new_table"},
		{triggerNameDelete, "AFTER DELETE", "REFERENCING OLD TABLE AS old_table"},
	}

	for _, spec := range specs {
		fmt.Fprintf(&b, `	IF NOT EXISTS (
		SELECT 1 FROM pg_trigger
		WHERE tgname = '%[1]s' AND tgrelid = '%[2]s'::regclass
	) THEN
		CREATE TRIGGER %[1]s
			%[3]s ON %[4]s
			%[5]s
			FOR EACH STATEMENT EXECUTE FUNCTION %[6]s.notify_changes();
	ELSIF EXISTS (
		SELECT 1 FROM pg_trigger
		WHERE tgname = '%[1]s' AND tgrelid = '%[2]s'::regclass AND tgenabled = 'D'
	) THEN
		ALTER TABLE %[4]s ENABLE TRIGGER %[1]s;
	END IF;
`, spec.name, escapeLiteral(qt), spec.timing, qt, spec.referencing, schema)
	}

	b.WriteString("END\n$do$;")
	return b.String()
}

// disableTableTriggersSQL disables (never drops) the generated triggers on a
// table once no registration references it. Disable instead of drop keeps
// churn low when consumers come and go on the same table.
func disableTableTriggersSQL(table string) string {
	qt := quoteIdent(table)
	var b strings.Builder
	b.WriteString("DO $do$\nBEGIN\n")
	for _, name := range watchTriggerNames {
		fmt.Fprintf(&b, `	IF EXISTS (
		SELECT 1 FROM pg_trigger
		WHERE tgname = '%[1]s' AND tgrelid = '%[2]s'::regclass AND tgenabled <> 'D'
	) THEN
		ALTER TABLE %[3]s DISABLE TRIGGER %[1]s;
	END IF;
`, name, escapeLiteral(qt), qt)
	}
	b.WriteString("END\n$do$;")
	return b.String()
}

// escapeLiteral escapes a string for use inside a SQL single-quoted literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
