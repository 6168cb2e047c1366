package syncer

import (
	"sync"
	"time"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/telemetry"
)

// WAL buffers rows arriving from the remote between reconciliation passes.
// Flushes run one at a time through the session's upsert routine, throttled
// by the session interval; the batch most recently flushed stays available as
// history so the reconciliation loop can suppress echoing those rows back to
// their origin.
type WAL struct {
	id       identity
	throttle time.Duration

	// flush commits a batch through the owning session. Called without the
	// lock held; never concurrently with itself.
	flush func(rows []dataset.Row)

	mu        sync.Mutex
	queue     []dataset.Row
	history   []dataset.Row
	sending   bool
	timer     *time.Timer
	lastFlush time.Time
	closed    bool
}

// NewWAL creates a write-ahead buffer for one session.
func NewWAL(id identity, throttle time.Duration, flush func(rows []dataset.Row)) *WAL {
	return &WAL{id: id, throttle: throttle, flush: flush, lastFlush: time.Now()}
}

// AddData queues rows and schedules a flush. Rows for an id already queued
// are replaced when the incoming copy is at an equal or newer clock value,
// so a flush always writes each row's latest buffered state.
func (w *WAL) AddData(rows []dataset.Row) {
	if len(rows) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for _, row := range rows {
		replaced := false
		for i, queued := range w.queue {
			if w.id.sameRow(queued, row) {
				if w.id.synced(row) >= w.id.synced(queued) {
					w.queue[i] = row
				}
				replaced = true
				break
			}
		}
		if !replaced {
			w.queue = append(w.queue, row)
		}
	}

	w.scheduleLocked()
}

// IsSending reports whether a flush is in flight.
func (w *WAL) IsSending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sending
}

// IsInHistory reports whether the row was part of the most recently flushed
// batch, at the same clock value. Used by the reconciliation loop to avoid
// pushing a remote's own write straight back at it.
func (w *WAL) IsInHistory(row dataset.Row) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.history {
		if w.id.fullMatch(h, row) {
			return true
		}
	}
	return false
}

// Close cancels any pending flush timer. Queued rows are dropped; a closing
// session has no remote left to reconcile for.
func (w *WAL) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// scheduleLocked arms the flush timer if no flush is pending or in flight.
// One timer at most; rows arriving before it fires ride the same flush.
func (w *WAL) scheduleLocked() {
	if w.sending || w.timer != nil || len(w.queue) == 0 {
		return
	}

	delay := w.throttle - time.Since(w.lastFlush)
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, w.run)
}

func (w *WAL) run() {
	w.mu.Lock()
	if w.closed || len(w.queue) == 0 {
		w.timer = nil
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.history = batch
	w.sending = true
	w.timer = nil
	w.mu.Unlock()

	w.flush(batch)
	telemetry.WALFlushesTotal.Inc()

	w.mu.Lock()
	w.sending = false
	w.lastFlush = time.Now()
	// Writes that landed during the flush get their own pass.
	w.scheduleLocked()
	w.mu.Unlock()
}
