package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgpulse/pgpulse/channel"
	"github.com/pgpulse/pgpulse/dataset"
)

// Remote is the other copy of the row set: whatever holds the client's data
// and answers range questions about it. The channel adapter below speaks the
// consumer protocol; tests implement Remote over in-memory slices.
type Remote interface {
	// Info answers a row-info question about the remote's ordered row set.
	Info(ctx context.Context, req InfoRequest) (InfoReply, error)
	// Pull fetches one page of remote rows at or above fromSynced.
	Pull(ctx context.Context, fromSynced uint64, offset, limit int) ([]dataset.Row, error)
	// Push delivers server rows; synced=true marks the end of a pass.
	Push(ctx context.Context, rows []dataset.Row, synced bool) error
	// PushError tells the remote a pass aborted server-side.
	PushError(ctx context.Context, msg string) error
}

// InfoRequest asks the remote about its row set under the sync ordering.
// With EndOffset set, the remote also returns the row at that offset.
type InfoRequest struct {
	FromSynced *uint64 `json:"from_synced,omitempty"`
	ToSynced   *uint64 `json:"to_synced,omitempty"`
	EndOffset  *int    `json:"end_offset,omitempty"`
}

// InfoReply is the remote's answer: boundary rows and count of the range,
// plus the probed row when EndOffset was set.
type InfoReply struct {
	FirstRow dataset.Row `json:"first_row,omitempty"`
	LastRow  dataset.Row `json:"last_row,omitempty"`
	Count    int         `json:"count"`
	Row      dataset.Row `json:"row,omitempty"`
}

type pullRequest struct {
	FromSynced uint64 `json:"from_synced"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

type pullReply struct {
	Data []dataset.Row `json:"data"`
}

type dataPayload struct {
	Data     []dataset.Row `json:"data"`
	IsSynced bool          `json:"isSynced"`
	Error    string        `json:"error,omitempty"`
}

// connRemote adapts a consumer channel to the Remote interface using the
// session's private topics.
type connRemote struct {
	conn  channel.Conn
	topic string
}

// NewConnRemote wraps a consumer channel as a Remote. topic is the session's
// base channel name; the three message shapes travel on derived topics.
func NewConnRemote(conn channel.Conn, topic string) Remote {
	return &connRemote{conn: conn, topic: topic}
}

func (r *connRemote) Info(ctx context.Context, req InfoRequest) (InfoReply, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return InfoReply{}, err
	}
	resp, err := r.conn.Request(ctx, channel.SyncRequestTopic(r.topic), raw)
	if err != nil {
		return InfoReply{}, fmt.Errorf("sync info round trip: %w", err)
	}
	var reply InfoReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return InfoReply{}, fmt.Errorf("malformed sync info reply: %w", err)
	}
	return reply, nil
}

func (r *connRemote) Pull(ctx context.Context, fromSynced uint64, offset, limit int) ([]dataset.Row, error) {
	raw, err := json.Marshal(pullRequest{FromSynced: fromSynced, Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}
	resp, err := r.conn.Request(ctx, channel.PullRequestTopic(r.topic), raw)
	if err != nil {
		return nil, fmt.Errorf("pull round trip: %w", err)
	}
	var reply pullReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return nil, fmt.Errorf("malformed pull reply: %w", err)
	}
	return reply.Data, nil
}

func (r *connRemote) Push(_ context.Context, rows []dataset.Row, synced bool) error {
	if rows == nil {
		rows = []dataset.Row{}
	}
	raw, err := json.Marshal(dataPayload{Data: rows, IsSynced: synced})
	if err != nil {
		return err
	}
	return r.conn.Send(r.topic, raw)
}

func (r *connRemote) PushError(_ context.Context, msg string) error {
	raw, err := json.Marshal(dataPayload{Data: []dataset.Row{}, Error: msg})
	if err != nil {
		return err
	}
	return r.conn.Send(r.topic, raw)
}
