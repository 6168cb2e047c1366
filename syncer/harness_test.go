package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/notify"
)

var testIdent = identity{idFields: []string{"id"}, syncedField: "updated_at"}

func row(id int, synced uint64, v string) dataset.Row {
	return dataset.Row{"id": id, "updated_at": synced, "v": v}
}

// memExecutor is an in-memory dataset.Executor ordered by the sync field.
// The opaque filter condition is ignored; tests run sessions with an empty
// filter.
type memExecutor struct {
	mu    sync.Mutex
	ident identity
	rows  []dataset.Row
}

func newMemExecutor(rows ...dataset.Row) *memExecutor {
	return &memExecutor{ident: testIdent, rows: rows}
}

func (m *memExecutor) snapshot() []dataset.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dataset.Row, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.Clone()
	}
	sortBySynced(m.ident, out)
	return out
}

func (m *memExecutor) matches(row dataset.Row, where dataset.Where) bool {
	for f, want := range where.Equal {
		if !equalValue(row[f], want) {
			return false
		}
	}
	for f, min := range where.GTE {
		if toUint64(row[f]) < toUint64(min) {
			return false
		}
	}
	for f, min := range where.GT {
		if toUint64(row[f]) <= toUint64(min) {
			return false
		}
	}
	for f, max := range where.LTE {
		if toUint64(row[f]) > toUint64(max) {
			return false
		}
	}
	return true
}

func (m *memExecutor) Find(_ context.Context, q dataset.Query) ([]dataset.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []dataset.Row
	for _, r := range m.rows {
		if m.matches(r, q.Where) {
			out = append(out, r.Clone())
		}
	}

	if len(q.OrderBy) > 0 {
		desc := q.OrderBy[0].Desc
		field := q.OrderBy[0].Field
		sort.SliceStable(out, func(i, j int) bool {
			if desc {
				return toUint64(out[i][field]) > toUint64(out[j][field])
			}
			return toUint64(out[i][field]) < toUint64(out[j][field])
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memExecutor) Count(_ context.Context, where dataset.Where) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if m.matches(r, where) {
			n++
		}
	}
	return n, nil
}

func (m *memExecutor) Insert(_ context.Context, row dataset.Row) (dataset.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row.Clone())
	return row, nil
}

func (m *memExecutor) Update(_ context.Context, where dataset.Where, changes dataset.Row) (dataset.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rows {
		if m.matches(r, where) {
			updated := r.Clone()
			for k, v := range changes {
				updated[k] = v
			}
			m.rows[i] = updated
			return updated, nil
		}
	}
	return nil, fmt.Errorf("no row matched update")
}

func (m *memExecutor) Delete(_ context.Context, where dataset.Where) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []dataset.Row
	var deleted int64
	for _, r := range m.rows {
		if m.matches(r, where) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return deleted, nil
}

type pushRecord struct {
	rows     []dataset.Row
	isSynced bool
}

// fakeRemote is the client-side copy of the row set, answering the three
// protocol round trips against an in-memory slice and applying pushes
// last-write-wins like a well-behaved client.
type fakeRemote struct {
	mu     sync.Mutex
	ident  identity
	rows   []dataset.Row
	pushes []pushRecord
	errs   []string

	infoCalls  int
	probeCalls int

	// block, when non-nil, is closed by the test to release a blocked Info
	// call. Used to hold a pass in flight.
	block chan struct{}
}

func newFakeRemote(rows ...dataset.Row) *fakeRemote {
	return &fakeRemote{ident: testIdent, rows: rows}
}

func sortBySynced(id identity, rows []dataset.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return id.synced(rows[i]) < id.synced(rows[j])
	})
}

func (f *fakeRemote) snapshot() []dataset.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dataset.Row, len(f.rows))
	for i, r := range f.rows {
		out[i] = r.Clone()
	}
	sortBySynced(f.ident, out)
	return out
}

func (f *fakeRemote) Info(ctx context.Context, req InfoRequest) (InfoReply, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return InfoReply{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++

	sorted := make([]dataset.Row, len(f.rows))
	copy(sorted, f.rows)
	sortBySynced(f.ident, sorted)

	reply := InfoReply{Count: len(sorted)}
	if len(sorted) > 0 {
		reply.FirstRow = sorted[0].Clone()
		reply.LastRow = sorted[len(sorted)-1].Clone()
	}
	if req.EndOffset != nil {
		f.probeCalls++
		if *req.EndOffset >= 0 && *req.EndOffset < len(sorted) {
			reply.Row = sorted[*req.EndOffset].Clone()
		}
	}
	return reply, nil
}

func (f *fakeRemote) Pull(_ context.Context, fromSynced uint64, offset, limit int) ([]dataset.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var in []dataset.Row
	for _, r := range f.rows {
		if f.ident.synced(r) >= fromSynced {
			in = append(in, r.Clone())
		}
	}
	sortBySynced(f.ident, in)

	if offset >= len(in) {
		return nil, nil
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in, nil
}

func (f *fakeRemote) Push(_ context.Context, rows []dataset.Row, synced bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes = append(f.pushes, pushRecord{rows: rows, isSynced: synced})
	for _, row := range rows {
		applied := false
		for i, existing := range f.rows {
			if f.ident.sameRow(existing, row) {
				if f.ident.synced(row) > f.ident.synced(existing) {
					f.rows[i] = row.Clone()
				}
				applied = true
				break
			}
		}
		if !applied {
			f.rows = append(f.rows, row.Clone())
		}
	}
	return nil
}

func (f *fakeRemote) PushError(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, msg)
	return nil
}

// dataPushed returns every non-final pushed row.
func (f *fakeRemote) dataPushed() []dataset.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataset.Row
	for _, p := range f.pushes {
		out = append(out, p.rows...)
	}
	return out
}

func (f *fakeRemote) syncedSignals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pushes {
		if p.isSynced {
			n++
		}
	}
	return n
}

type fakeRegistrar struct {
	mu       sync.Mutex
	added    []string
	released []string
}

func (f *fakeRegistrar) AddTrigger(_ context.Context, table, condition string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, table+":"+condition)
	return nil
}

func (f *fakeRegistrar) Release(_ context.Context, table, condition string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, table+":"+condition)
	return nil
}

// converged reports whether server and remote hold identical row sets under
// (id, synced) identity.
func converged(server *memExecutor, remote *fakeRemote) bool {
	a, b := server.snapshot(), remote.snapshot()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !testIdent.fullMatch(a[i], b[i]) {
			return false
		}
	}
	return true
}

func newTestManager(bus Bus) *Manager {
	m, err := NewManager(Config{
		Registry:         &fakeRegistrar{},
		Bus:              bus,
		DefaultBatchSize: 10,
		DefaultThrottle:  10 * time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	return m
}

var _ Bus = (*notify.Hub)(nil)
