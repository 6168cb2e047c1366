package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_SendReachesPeerHandler(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	got := make(chan []byte, 1)
	b.Handle("orders", func(payload []byte) ([]byte, error) {
		got <- payload
		return nil, nil
	})

	require.NoError(t, a.Send("orders", []byte(`{"id":1}`)))

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"id":1}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestPipe_SendToUnboundTopicIsSilent(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	_ = b

	assert.NoError(t, a.Send("nobody-listens", []byte("x")))
}

func TestPipe_RequestRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	b.Handle("sum", func(payload []byte) ([]byte, error) {
		return append([]byte("ok:"), payload...), nil
	})

	reply, err := a.Request(context.Background(), "sum", []byte("1+2"))
	require.NoError(t, err)
	assert.Equal(t, "ok:1+2", string(reply))
}

func TestPipe_RequestHandlerError(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	b.Handle("boom", func([]byte) ([]byte, error) {
		return nil, errors.New("handler exploded")
	})

	_, err := a.Request(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
}

func TestPipe_RequestUnboundTopic(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()

	_, err := a.Request(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestPipe_RequestHonorsContext(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	release := make(chan struct{})
	defer close(release)
	b.Handle("slow", func([]byte) ([]byte, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Request(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_ClosedOnEitherEnd(t *testing.T) {
	a, b := Pipe()
	b.Handle("orders", func([]byte) ([]byte, error) { return nil, nil })

	require.NoError(t, b.Close())

	assert.ErrorIs(t, a.Send("orders", nil), ErrClosed)
	_, err := a.Request(context.Background(), "orders", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipe_ClosedSignalSharedByBothEnds(t *testing.T) {
	a, b := Pipe()

	select {
	case <-a.Closed():
		t.Fatal("closed before Close")
	default:
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	for _, end := range []Conn{a, b} {
		select {
		case <-end.Closed():
		case <-time.After(time.Second):
			t.Fatal("Closed never signaled")
		}
	}
}

func TestPipe_DistinctIDs(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	assert.NotEmpty(t, a.ID())
	assert.NotEmpty(t, b.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "subReady", ReadyTopic("sub"))
	assert.Equal(t, "subUnsubscribe", UnsubscribeTopic("sub"))
	assert.Equal(t, "subUnsync", UnsyncTopic("sub"))
	assert.Equal(t, "sub.onSyncRequest", SyncRequestTopic("sub"))
	assert.Equal(t, "sub.onPullRequest", PullRequestTopic("sub"))
}
