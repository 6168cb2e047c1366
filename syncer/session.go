package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/telemetry"
)

// ClockObserver folds remote logical clock values into the local clock so
// values minted here stay ahead of everything already seen. Optional.
type ClockObserver interface {
	Observe(synced uint64)
}

// Session reconciles two independently writable copies of one filtered row
// set. Rows are identified by the configured id fields and compared by the
// synced field, a per-row logical clock; the newer copy of a row wins on
// both sides.
type Session struct {
	id     string
	connID string
	table  string

	filter string
	args   []any

	ident     identity
	batchSize int
	throttle  time.Duration
	rtTimeout time.Duration

	exec   dataset.Executor
	rules  dataset.Rules
	remote Remote
	clock  ClockObserver

	// allowDeletes gates deletion propagation: server rows missing from the
	// remote's pulled range are deleted instead of pushed back.
	allowDeletes bool

	wal *WAL

	mu        sync.Mutex
	isSyncing bool
	deferred  *time.Timer
	closed    bool

	onClose func(s *Session)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ConnID returns the owning connection id.
func (s *Session) ConnID() string { return s.connID }

// Table returns the synced table.
func (s *Session) Table() string { return s.table }

// WAL exposes the session's write-ahead buffer.
func (s *Session) WAL() *WAL { return s.wal }

// IsSyncing reports whether a reconciliation pass is in flight.
func (s *Session) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSyncing
}

// SyncData requests a reconciliation pass. Rows from the remote, if any, go
// through the write-ahead buffer first. Passes for one session never overlap:
// a request landing while one is in flight arms a single coalesced deferred
// timer instead of running concurrently.
func (s *Session) SyncData(ctx context.Context, clientRows []dataset.Row, source string) error {
	if len(clientRows) > 0 {
		s.wal.AddData(clientRows)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.id)
	}
	if s.isSyncing {
		if s.deferred == nil {
			s.deferred = time.AfterFunc(s.throttle, func() {
				s.mu.Lock()
				s.deferred = nil
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				deadline := s.throttle * 4
				if deadline < time.Second {
					deadline = time.Second
				}
				retryCtx, cancel := context.WithTimeout(context.Background(), deadline+s.rtTimeout)
				defer cancel()
				if err := s.SyncData(retryCtx, nil, "deferred"); err != nil {
					log.Warn().Err(err).Str("session", s.id).Msg("Deferred sync pass failed")
				}
			})
		}
		s.mu.Unlock()
		telemetry.SyncPassesTotal.With("deferred").Inc()
		return nil
	}
	s.isSyncing = true
	s.mu.Unlock()

	err := s.runPass(ctx, source)

	s.mu.Lock()
	s.isSyncing = false
	s.mu.Unlock()
	return err
}

// runPass executes one full reconciliation: flush-visible divergence check,
// batch loop from the divergence point, final synced signal.
func (s *Session) runPass(ctx context.Context, source string) error {
	started := time.Now()
	log.Debug().Str("session", s.id).Str("source", source).Msg("Reconciliation pass starting")

	err := s.reconcile(ctx)

	telemetry.SyncPassSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.SyncPassesTotal.With("failed").Inc()
		log.Warn().Err(err).Str("session", s.id).Msg("Reconciliation pass failed")
		// Tell the remote instead of leaving it waiting; the session stays
		// usable for a later retry.
		if perr := s.pushError(err); perr != nil {
			log.Warn().Err(perr).Str("session", s.id).Msg("Failed to notify remote of sync error")
		}
		return err
	}

	telemetry.SyncPassesTotal.With("converged").Inc()
	return nil
}

func (s *Session) reconcile(ctx context.Context) error {
	from, diverged, err := s.getLastSynced(ctx)
	if err != nil {
		return err
	}
	if diverged {
		if err := s.syncBatch(ctx, from); err != nil {
			return err
		}
	}
	// Explicit end-of-pass signal, even when nothing moved.
	return s.remote.Push(ctx, nil, true)
}

// getLastSynced finds the logical clock value to reconcile from, or reports
// that both copies already match.
//
// Matching last rows mean nothing to sync. Mismatched first rows mean the
// copies diverge from the start. Otherwise the copies share a matching
// prefix of unknown length: probe the remote at exponentially growing
// offsets and stop at the first probe the server also holds, accepting that
// row's clock value as the reconciliation floor. The probing is a heuristic
// bounding round trips on large data sets; it may start earlier than the
// true divergence point, which costs transfer volume but never correctness,
// since reconciliation is idempotent.
func (s *Session) getLastSynced(ctx context.Context) (from uint64, diverged bool, err error) {
	serverFirst, serverLast, serverCount, err := s.serverBounds(ctx)
	if err != nil {
		return 0, false, err
	}

	info, err := s.remoteInfo(ctx, InfoRequest{})
	if err != nil {
		return 0, false, err
	}

	if serverCount == 0 && info.Count == 0 {
		return 0, false, nil
	}

	if serverLast != nil && info.LastRow != nil && s.ident.fullMatch(serverLast, info.LastRow) {
		return 0, false, nil
	}

	firstsMatch := serverFirst != nil && info.FirstRow != nil && s.ident.fullMatch(serverFirst, info.FirstRow)
	if !firstsMatch {
		return minSynced(s.ident, serverFirst, info.FirstRow), true, nil
	}

	from = s.ident.synced(serverFirst)
	offset := 1
	step := 1
	for offset < info.Count {
		probe, err := s.remoteInfo(ctx, InfoRequest{EndOffset: &offset})
		if err != nil {
			return 0, false, err
		}
		if probe.Row == nil {
			break
		}
		match, err := s.serverHasRow(ctx, probe.Row)
		if err != nil {
			return 0, false, err
		}
		if match {
			from = s.ident.synced(probe.Row)
			break
		}
		offset += step
		step *= 2
	}

	return from, true, nil
}

// syncBatch runs the paged reconciliation loop from the given clock value.
// The remote and server pages advance on their own offsets: authorization can
// keep a pulled row out of the server set, and a shared offset would then
// re-pull the same full remote page without end.
func (s *Session) syncBatch(ctx context.Context, from uint64) error {
	remoteOffset, serverOffset := 0, 0
	for {
		remoteRows, err := s.remotePull(ctx, from, remoteOffset)
		if err != nil {
			return err
		}

		for _, row := range remoteRows {
			if err := s.upsert(ctx, row); err != nil {
				return err
			}
		}
		if len(remoteRows) > 0 {
			telemetry.SyncRowsTotal.With("pulled").Add(float64(len(remoteRows)))
		}

		serverRows, err := s.exec.Find(ctx, dataset.Query{
			Where: dataset.Where{
				Condition: s.filter,
				Args:      s.args,
				GTE:       map[string]any{s.ident.syncedField: from},
			},
			OrderBy: []dataset.Order{{Field: s.ident.syncedField}},
			Limit:   s.batchSize,
			Offset:  serverOffset,
		})
		if err != nil {
			return fmt.Errorf("fetch server page: %w", err)
		}

		if err := s.pushMissing(ctx, serverRows, remoteRows); err != nil {
			return err
		}

		remoteOffset += len(remoteRows)
		serverOffset += len(serverRows)
		if len(serverRows) < s.batchSize && len(remoteRows) < s.batchSize {
			return nil
		}
	}
}

// upsert applies one remote row last-write-wins: insert when absent, update
// when the server copy is strictly older, keep the server copy on ties.
// Authorization gates each branch.
func (s *Session) upsert(ctx context.Context, row dataset.Row) error {
	if s.clock != nil {
		s.clock.Observe(s.ident.synced(row))
	}

	existing, err := s.exec.Find(ctx, dataset.Query{Where: s.ident.idWhere(row), Limit: 1})
	if err != nil {
		return fmt.Errorf("probe row: %w", err)
	}

	if len(existing) == 0 {
		if !s.rules.CanInsert() {
			return nil
		}
		if _, err := s.exec.Insert(ctx, row); err != nil {
			return fmt.Errorf("insert synced row: %w", err)
		}
		return nil
	}

	if s.ident.synced(existing[0]) >= s.ident.synced(row) {
		// Server copy is newer or tied; ties keep the server copy.
		return nil
	}
	if !s.rules.CanUpdate() {
		return nil
	}
	if _, err := s.exec.Update(ctx, s.ident.idWhere(row), row); err != nil {
		return fmt.Errorf("update synced row: %w", err)
	}
	return nil
}

// pushMissing sends the remote every server row its pulled batch lacks at an
// equal-or-newer clock value, suppressing rows the WAL just wrote on the
// remote's behalf. With deletion propagation enabled, server rows the remote
// dropped from the covered range are deleted instead of pushed back.
func (s *Session) pushMissing(ctx context.Context, serverRows, remoteRows []dataset.Row) error {
	var maxRemote uint64
	for _, r := range remoteRows {
		if v := s.ident.synced(r); v > maxRemote {
			maxRemote = v
		}
	}

	var push []dataset.Row
	for _, row := range serverRows {
		if s.remoteHasCurrent(row, remoteRows) {
			continue
		}
		if s.wal.IsInHistory(row) {
			continue
		}

		if s.allowDeletes && s.rules.CanDelete() &&
			len(remoteRows) > 0 && s.ident.synced(row) <= maxRemote {
			// The remote's batch covers this clock range but lacks the row:
			// it was deleted there.
			if _, err := s.exec.Delete(ctx, s.ident.idWhere(row)); err != nil {
				return fmt.Errorf("propagate delete: %w", err)
			}
			continue
		}

		push = append(push, row)
	}

	if len(push) == 0 {
		return nil
	}
	if err := s.remote.Push(ctx, push, false); err != nil {
		return fmt.Errorf("push server rows: %w", err)
	}
	telemetry.SyncRowsTotal.With("pushed").Add(float64(len(push)))
	return nil
}

// remoteHasCurrent reports whether batch holds the row's id at an
// equal-or-newer clock value.
func (s *Session) remoteHasCurrent(row dataset.Row, batch []dataset.Row) bool {
	for _, r := range batch {
		if s.ident.sameRow(r, row) && s.ident.synced(r) >= s.ident.synced(row) {
			return true
		}
	}
	return false
}

// serverBounds fetches the server's first and last rows under the sync
// ordering, plus the row count.
func (s *Session) serverBounds(ctx context.Context) (first, last dataset.Row, count int64, err error) {
	where := dataset.Where{Condition: s.filter, Args: s.args}

	count, err = s.exec.Count(ctx, where)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("count server rows: %w", err)
	}
	if count == 0 {
		return nil, nil, 0, nil
	}

	firstRows, err := s.exec.Find(ctx, dataset.Query{
		Where:   where,
		OrderBy: []dataset.Order{{Field: s.ident.syncedField}},
		Limit:   1,
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetch first server row: %w", err)
	}
	lastRows, err := s.exec.Find(ctx, dataset.Query{
		Where:   where,
		OrderBy: []dataset.Order{{Field: s.ident.syncedField, Desc: true}},
		Limit:   1,
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetch last server row: %w", err)
	}

	if len(firstRows) > 0 {
		first = firstRows[0]
	}
	if len(lastRows) > 0 {
		last = lastRows[0]
	}
	return first, last, count, nil
}

// serverHasRow reports whether the server holds an identical row (same id,
// same clock value).
func (s *Session) serverHasRow(ctx context.Context, row dataset.Row) (bool, error) {
	where := s.ident.idWhere(row)
	where.Equal[s.ident.syncedField] = row[s.ident.syncedField]
	rows, err := s.exec.Find(ctx, dataset.Query{Where: where, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// remoteInfo runs one Info round trip under the session deadline.
func (s *Session) remoteInfo(ctx context.Context, req InfoRequest) (InfoReply, error) {
	rtCtx, cancel := context.WithTimeout(ctx, s.rtTimeout)
	defer cancel()
	return s.remote.Info(rtCtx, req)
}

// remotePull runs one Pull round trip under the session deadline.
func (s *Session) remotePull(ctx context.Context, from uint64, offset int) ([]dataset.Row, error) {
	rtCtx, cancel := context.WithTimeout(ctx, s.rtTimeout)
	defer cancel()
	return s.remote.Pull(rtCtx, from, offset, s.batchSize)
}

func (s *Session) pushError(cause error) error {
	return s.remote.PushError(context.Background(), "sync failed, check server logs: "+cause.Error())
}

// flushWAL is the WAL's commit path: upsert the buffered batch, then request
// another pass to reconcile anything that arrived meanwhile.
func (s *Session) flushWAL(rows []dataset.Row) {
	ctx, cancel := context.WithTimeout(context.Background(), s.rtTimeout+30*time.Second)
	defer cancel()

	for _, row := range rows {
		if err := s.upsert(ctx, row); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("WAL flush upsert failed")
		}
	}

	if err := s.SyncData(ctx, nil, "wal flush"); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Post-flush sync pass failed")
	}
}

// Close tears the session down: WAL timers cancelled, manager bookkeeping
// removed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.deferred != nil {
		s.deferred.Stop()
		s.deferred = nil
	}
	s.mu.Unlock()

	s.wal.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
	telemetry.ActiveSyncSessions.Dec()
	log.Debug().Str("session", s.id).Msg("Sync session closed")
}

func minSynced(id identity, rows ...dataset.Row) uint64 {
	var min uint64
	seen := false
	for _, row := range rows {
		if row == nil {
			continue
		}
		v := id.synced(row)
		if !seen || v < min {
			min = v
			seen = true
		}
	}
	return min
}
