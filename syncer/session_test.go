package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpulse/pgpulse/dataset"
	"github.com/pgpulse/pgpulse/notify"
	"github.com/pgpulse/pgpulse/wire"
)

func addSession(t *testing.T, m *Manager, exec *memExecutor, remote *fakeRemote, opts ...func(*Request)) *Session {
	t.Helper()
	req := Request{
		Remote:      remote,
		ConnID:      "conn-1",
		Table:       "orders",
		SyncedField: "updated_at",
		IDFields:    []string{"id"},
		BatchSize:   10,
		Throttle:    10 * time.Millisecond,
		Executor:    exec,
	}
	for _, opt := range opts {
		opt(&req)
	}
	s, err := m.AddSync(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSync_EmptyServerAdoptsRemoteRow(t *testing.T) {
	exec := newMemExecutor()
	remote := newFakeRemote(row(1, 10, "a"))
	m := newTestManager(notify.NewHub())

	s := addSession(t, m, exec, remote)

	require.True(t, converged(exec, remote), "server should adopt the remote row")
	server := exec.snapshot()
	require.Len(t, server, 1)
	assert.Equal(t, "a", server[0]["v"])

	// With identical copies, another pass reports nothing to sync: only the
	// final synced signal, no data rows.
	before := len(remote.dataPushed())
	require.NoError(t, s.SyncData(context.Background(), nil, "test"))
	assert.Equal(t, before, len(remote.dataPushed()))
	assert.GreaterOrEqual(t, remote.syncedSignals(), 2)
}

func TestSync_LastWriteWins_RemoteNewer(t *testing.T) {
	exec := newMemExecutor(row(1, 5, "server"))
	remote := newFakeRemote(row(1, 7, "remote"))
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote)

	server := exec.snapshot()
	require.Len(t, server, 1)
	assert.EqualValues(t, 7, toUint64(server[0]["updated_at"]))
	assert.Equal(t, "remote", server[0]["v"])
}

func TestSync_LastWriteWins_ServerNewer(t *testing.T) {
	exec := newMemExecutor(row(1, 7, "server"))
	remote := newFakeRemote(row(1, 5, "remote"))
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote)

	// Server copy survives and is pushed to the remote.
	server := exec.snapshot()
	require.Len(t, server, 1)
	assert.Equal(t, "server", server[0]["v"])

	remoteRows := remote.snapshot()
	require.Len(t, remoteRows, 1)
	assert.Equal(t, "server", remoteRows[0]["v"])
	assert.True(t, converged(exec, remote))
}

func TestSync_TiesKeepServerCopy(t *testing.T) {
	exec := newMemExecutor(row(1, 5, "server"))
	remote := newFakeRemote(row(1, 5, "remote"))
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote)

	server := exec.snapshot()
	require.Len(t, server, 1)
	assert.Equal(t, "server", server[0]["v"])
}

func TestSync_ConvergesAcrossPages(t *testing.T) {
	var serverRows, remoteRows []dataset.Row
	for i := 1; i <= 25; i++ {
		r := row(i, uint64(i), "shared")
		serverRows = append(serverRows, r)
		remoteRows = append(remoteRows, r.Clone())
	}
	// Divergent tails on both sides, larger than one batch.
	for i := 26; i <= 45; i++ {
		serverRows = append(serverRows, row(i, uint64(i), "server-only"))
	}
	for i := 46; i <= 60; i++ {
		remoteRows = append(remoteRows, row(i, uint64(i), "remote-only"))
	}

	exec := newMemExecutor(serverRows...)
	remote := newFakeRemote(remoteRows...)
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote)

	assert.True(t, converged(exec, remote))
	assert.Len(t, exec.snapshot(), 60)
}

func TestSync_DivergenceProbingOnSharedPrefix(t *testing.T) {
	var serverRows, remoteRows []dataset.Row
	for i := 1; i <= 20; i++ {
		r := row(i, uint64(i), "shared")
		serverRows = append(serverRows, r)
		remoteRows = append(remoteRows, r.Clone())
	}
	remoteRows = append(remoteRows, row(99, 99, "remote-tail"))

	exec := newMemExecutor(serverRows...)
	remote := newFakeRemote(remoteRows...)
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote)

	assert.True(t, converged(exec, remote))

	// Matching first rows but mismatched last rows force offset probing
	// rather than a full-transfer restart.
	remote.mu.Lock()
	probes := remote.probeCalls
	remote.mu.Unlock()
	assert.Greater(t, probes, 0)
}

func TestSync_EchoSuppression(t *testing.T) {
	exec := newMemExecutor()
	remote := newFakeRemote()
	m := newTestManager(notify.NewHub())

	s := addSession(t, m, exec, remote)

	// The remote writes a row through the session. After the WAL flush the
	// server holds it, but it must never be pushed back at its origin.
	require.NoError(t, s.SyncData(context.Background(), []dataset.Row{row(1, 10, "from-remote")}, "client"))

	deadline := time.After(2 * time.Second)
	for len(exec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("WAL flush never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Allow the post-flush pass to finish.
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, remote.dataPushed(), "remote's own write echoed back")
}

func TestSync_SingleFlight(t *testing.T) {
	exec := newMemExecutor(row(1, 5, "server"))
	remote := newFakeRemote()
	m := newTestManager(notify.NewHub())

	release := make(chan struct{})
	remote.block = release

	req := Request{
		Remote:      remote,
		ConnID:      "conn-1",
		Table:       "orders",
		SyncedField: "updated_at",
		IDFields:    []string{"id"},
		Throttle:    10 * time.Millisecond,
		Executor:    exec,
	}
	// AddSync's initial pass blocks on the remote; run it in the
	// background.
	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := m.AddSync(context.Background(), req)
		done <- result{s, err}
	}()

	var s *Session
	deadline := time.After(2 * time.Second)
	for s == nil {
		if got, ok := m.Get("conn-1", "orders", "", nil); ok && got.IsSyncing() {
			s = got
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never started its pass")
		case <-time.After(2 * time.Millisecond):
		}
	}

	// A request landing mid-pass defers instead of overlapping.
	require.NoError(t, s.SyncData(context.Background(), nil, "overlap"))
	assert.True(t, s.IsSyncing())

	remote.mu.Lock()
	remote.block = nil
	remote.mu.Unlock()
	close(release)

	res := <-done
	require.NoError(t, res.err)
	defer res.s.Close()

	// The deferred pass eventually runs and converges both copies.
	deadline = time.After(2 * time.Second)
	for !converged(exec, remote) {
		select {
		case <-deadline:
			t.Fatal("deferred pass never converged the copies")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSync_DeletePropagation(t *testing.T) {
	// Remote still has rows 1 and 3 but dropped row 2; all three exist on
	// the server inside the covered clock range.
	exec := newMemExecutor(row(1, 1, "a"), row(2, 2, "b"), row(3, 9, "c"))
	remote := newFakeRemote(row(1, 1, "a"), row(3, 10, "c2"))
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote, func(req *Request) {
		req.AllowDeletes = true
	})

	server := exec.snapshot()
	require.Len(t, server, 2)
	assert.EqualValues(t, 1, server[0]["id"])
	assert.EqualValues(t, 3, server[1]["id"])
}

func TestSync_DeletesOffPushesInstead(t *testing.T) {
	exec := newMemExecutor(row(1, 1, "a"), row(2, 2, "b"))
	remote := newFakeRemote(row(1, 1, "a"), row(3, 10, "c"))
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote)

	// Without deletion propagation the missing server row travels to the
	// remote instead of being dropped.
	assert.Len(t, exec.snapshot(), 3)
	assert.True(t, converged(exec, remote))
}

func TestSync_RulesGateInserts(t *testing.T) {
	exec := newMemExecutor()
	remote := newFakeRemote(row(1, 10, "a"))
	m := newTestManager(notify.NewHub())

	addSession(t, m, exec, remote, func(req *Request) {
		req.Rules = dataset.StaticRules{Select: true} // no insert
	})

	assert.Empty(t, exec.snapshot())
}

func TestSync_RulesGateInsertsAcrossPages(t *testing.T) {
	// With inserts denied, pulled pages never land on the server. The pass
	// must still walk the whole remote set and finish instead of re-pulling
	// the first page.
	remote := newFakeRemote(
		row(1, 1, "a"), row(2, 2, "b"), row(3, 3, "c"),
		row(4, 4, "d"), row(5, 5, "e"),
	)
	exec := newMemExecutor()
	m := newTestManager(notify.NewHub())

	done := make(chan error, 1)
	go func() {
		s, err := m.AddSync(context.Background(), Request{
			Remote:      remote,
			ConnID:      "conn-1",
			Table:       "orders",
			SyncedField: "updated_at",
			IDFields:    []string{"id"},
			BatchSize:   2,
			Throttle:    10 * time.Millisecond,
			Executor:    exec,
			Rules:       dataset.StaticRules{Select: true}, // no insert
		})
		if err == nil {
			s.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("initial pass did not terminate with inserts denied")
	}
	assert.Empty(t, exec.snapshot())
	assert.GreaterOrEqual(t, remote.syncedSignals(), 1)
}

func TestSync_NotificationTriggersPass(t *testing.T) {
	hub := notify.NewHub()
	exec := newMemExecutor()
	remote := newFakeRemote()
	m := newTestManager(hub)

	s := addSession(t, m, exec, remote)
	signals := remote.syncedSignals()

	// A change event on the bound condition fires a reconciliation pass.
	hub.Publish(notify.Event{Table: "orders", Condition: "TRUE", Hash: wire.ConditionHash("TRUE")})

	deadline := time.After(2 * time.Second)
	for remote.syncedSignals() <= signals {
		select {
		case <-deadline:
			t.Fatal("notification never triggered a pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Close()
}
