package dataset

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"

	"github.com/pgpulse/pgpulse/wire"
)

// SQLExecutor is a reference Executor over database/sql for one table. The
// embedding application usually supplies its own table-handler layer; this one
// exists so the daemon and sync sessions work against a plain Postgres table
// out of the box.
type SQLExecutor struct {
	db      *sql.DB
	table   string
	dialect goqu.DialectWrapper
}

// NewSQLExecutor creates an executor bound to the given table.
func NewSQLExecutor(db *sql.DB, table string) *SQLExecutor {
	return &SQLExecutor{
		db:      db,
		table:   table,
		dialect: goqu.Dialect("postgres"),
	}
}

// whereExpressions builds the WHERE terms. The opaque condition gets its
// positional params inlined as quoted literals, the same treatment it
// receives when registered as a trigger condition, so the literal carries no
// bind args of its own and composes cleanly with the structured terms.
func (e *SQLExecutor) whereExpressions(w Where) ([]goqu.Expression, error) {
	var exprs []goqu.Expression
	if w.Condition != "" {
		cond, err := wire.InlineParams(w.Condition, w.Args)
		if err != nil {
			return nil, fmt.Errorf("inline condition params: %w", err)
		}
		exprs = append(exprs, goqu.L(cond))
	}
	for field, value := range w.Equal {
		exprs = append(exprs, goqu.C(field).Eq(value))
	}
	for field, value := range w.GTE {
		exprs = append(exprs, goqu.C(field).Gte(value))
	}
	for field, value := range w.GT {
		exprs = append(exprs, goqu.C(field).Gt(value))
	}
	for field, value := range w.LTE {
		exprs = append(exprs, goqu.C(field).Lte(value))
	}
	return exprs, nil
}

// Find selects rows matching the query.
func (e *SQLExecutor) Find(ctx context.Context, q Query) ([]Row, error) {
	ds := e.dialect.From(e.table).Prepared(true)
	if len(q.Select) > 0 {
		cols := make([]any, len(q.Select))
		for i, c := range q.Select {
			cols[i] = c
		}
		ds = ds.Select(cols...)
	}
	exprs, err := e.whereExpressions(q.Where)
	if err != nil {
		return nil, err
	}
	if len(exprs) > 0 {
		ds = ds.Where(exprs...)
	}
	for _, o := range q.OrderBy {
		if o.Desc {
			ds = ds.OrderAppend(goqu.C(o.Field).Desc())
		} else {
			ds = ds.OrderAppend(goqu.C(o.Field).Asc())
		}
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}

	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find query: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("find on %s: %w", e.table, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// Count returns the number of rows matching where.
func (e *SQLExecutor) Count(ctx context.Context, where Where) (int64, error) {
	ds := e.dialect.From(e.table).Prepared(true).Select(goqu.COUNT(goqu.Star()))
	exprs, err := e.whereExpressions(where)
	if err != nil {
		return 0, err
	}
	if len(exprs) > 0 {
		ds = ds.Where(exprs...)
	}

	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var n int64
	if err := e.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count on %s: %w", e.table, err)
	}
	return n, nil
}

// Insert adds a row and returns it as stored.
func (e *SQLExecutor) Insert(ctx context.Context, row Row) (Row, error) {
	sqlStr, args, err := e.dialect.Insert(e.table).
		Prepared(true).
		Rows(goqu.Record(row)).
		Returning(goqu.Star()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", e.table, err)
	}
	defer rows.Close()

	stored, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row", e.table)
	}
	return stored[0], nil
}

// Update applies changes to matching rows.
func (e *SQLExecutor) Update(ctx context.Context, where Where, changes Row) (Row, error) {
	ds := e.dialect.Update(e.table).
		Prepared(true).
		Set(goqu.Record(changes)).
		Returning(goqu.Star())
	exprs, err := e.whereExpressions(where)
	if err != nil {
		return nil, err
	}
	if len(exprs) > 0 {
		ds = ds.Where(exprs...)
	}

	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", e.table, err)
	}
	defer rows.Close()

	updated, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(updated) == 1 {
		return updated[0], nil
	}
	return nil, nil
}

// Delete removes matching rows, returning the count removed.
func (e *SQLExecutor) Delete(ctx context.Context, where Where) (int64, error) {
	ds := e.dialect.Delete(e.table).Prepared(true)
	exprs, err := e.whereExpressions(where)
	if err != nil {
		return 0, err
	}
	if len(exprs) > 0 {
		ds = ds.Where(exprs...)
	}

	sqlStr, args, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}

	res, err := e.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", e.table, err)
	}
	return res.RowsAffected()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
