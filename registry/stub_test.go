package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
)

// stubDB is an in-memory database/sql driver that records every statement and
// serves canned result sets matched by substring. Control-schema logic is all
// SQL generation plus bookkeeping, so the tests assert on the statements the
// registry emits rather than on a live Postgres.
type stubDB struct {
	mu      sync.Mutex
	execs   []string
	queries []string
	results map[string]stubResult
	execErr map[string]error
}

type stubResult struct {
	cols []string
	rows [][]driver.Value
}

func newStubDB() (*stubDB, *sql.DB) {
	stub := &stubDB{
		results: make(map[string]stubResult),
		execErr: make(map[string]error),
	}
	return stub, sql.OpenDB(stubConnector{stub})
}

func (s *stubDB) setResult(substr string, cols []string, rows [][]driver.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[substr] = stubResult{cols: cols, rows: rows}
}

func (s *stubDB) failExec(substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErr[substr] = err
}

func (s *stubDB) execedMatching(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.execs {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

func (s *stubDB) queriedMatching(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queries {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

type stubConnector struct{ stub *stubDB }

func (c stubConnector) Connect(context.Context) (driver.Conn, error) { return stubConn{c.stub}, nil }
func (c stubConnector) Driver() driver.Driver                        { return stubDriver{} }

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use OpenDB") }

type stubConn struct{ stub *stubDB }

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx unsupported") }

func (c stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.stub.mu.Lock()
	c.stub.execs = append(c.stub.execs, query)
	var err error
	for substr, e := range c.stub.execErr {
		if strings.Contains(query, substr) {
			err = e
			break
		}
	}
	c.stub.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (c stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.stub.mu.Lock()
	c.stub.queries = append(c.stub.queries, query)
	var res stubResult
	for substr, r := range c.stub.results {
		if strings.Contains(query, substr) {
			res = r
			break
		}
	}
	c.stub.mu.Unlock()
	return &stubRows{cols: res.cols, rows: res.rows}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}
