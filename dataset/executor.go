// Package dataset defines the row-query collaborator interfaces the engine
// consumes. The generic CRUD table-handler layer lives outside this module;
// subscriptions and sync sessions only need the narrow surface below, plus an
// authorization check per operation.
package dataset

import "context"

// Row is a generic table row keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Order describes one ordering term.
type Order struct {
	Field string
	Desc  bool
}

// Where scopes a query. Condition is an opaque, pre-validated SQL predicate
// (the session or subscription filter); the structured fields compose with it
// so callers never splice values into the predicate text.
type Where struct {
	Condition string         // opaque predicate, empty = all rows
	Args      []any          // positional args for Condition
	Equal     Row            // field = value terms
	GTE       map[string]any // field >= value terms
	GT        map[string]any // field > value terms
	LTE       map[string]any // field <= value terms
}

// Query is a full row selection.
type Query struct {
	Where   Where
	Select  []string // empty = all columns
	OrderBy []Order
	Limit   int // 0 = no limit
	Offset  int
}

// Executor performs row operations against one table. Implementations are
// supplied by the embedding application's table-handler layer.
type Executor interface {
	Find(ctx context.Context, q Query) ([]Row, error)
	Count(ctx context.Context, where Where) (int64, error)
	Insert(ctx context.Context, row Row) (Row, error)
	// Update applies changes to rows matched by where, returning the updated
	// row when exactly one row matched.
	Update(ctx context.Context, where Where, changes Row) (Row, error)
	Delete(ctx context.Context, where Where) (int64, error)
}

// Rules reports whether an operation is authorized for the consumer a
// subscription or sync session serves.
type Rules interface {
	CanSelect() bool
	CanInsert() bool
	CanUpdate() bool
	CanDelete() bool
}

// StaticRules is a fixed Rules implementation.
type StaticRules struct {
	Select bool
	Insert bool
	Update bool
	Delete bool
}

func (r StaticRules) CanSelect() bool { return r.Select }
func (r StaticRules) CanInsert() bool { return r.Insert }
func (r StaticRules) CanUpdate() bool { return r.Update }
func (r StaticRules) CanDelete() bool { return r.Delete }

// AllowAll permits every operation.
var AllowAll = StaticRules{Select: true, Insert: true, Update: true, Delete: true}
