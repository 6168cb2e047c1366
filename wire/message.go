package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates fields inside a notification payload. Payloads travel
// through pg_notify, which only carries a single string, so the fields are
// joined with a delimiter that cannot appear in identifiers or conditions.
const Delimiter = "|$pgp$|"

// ErrMarker prefixes the index field when condition evaluation failed inside
// the generated procedure (e.g. a referenced column was renamed).
const ErrMarker = "error"

// Kind identifies the notification message type.
type Kind string

const (
	// KindData signals row changes on a watched table.
	KindData Kind = "data"
	// KindSchema signals a DDL command executed on the database.
	KindSchema Kind = "schema"
	// KindTriggers signals that the shared trigger registration set changed.
	KindTriggers Kind = "triggers"
)

// Op is the statement operation that produced a data notification.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Message is a decoded notification payload.
//
// Data messages carry Table, Op and either Indexes (per-process condition
// indexes that matched) or ErrText. Schema messages carry Command and Query.
// Trigger-set messages carry nothing beyond their kind.
type Message struct {
	Kind    Kind
	Table   string
	Op      Op
	Indexes []int
	ErrText string   // non-empty when the procedure reported an evaluation error
	Columns []string // changed columns, update statements only
	Command string   // schema messages: the DDL command tag
	Query   string   // schema messages: the source query, when available
}

// IsErr reports whether the data message carries the error marker instead of
// a resolvable index list.
func (m Message) IsErr() bool {
	return m.ErrText != ""
}

// Encode renders the message into its payload form.
func (m Message) Encode() string {
	switch m.Kind {
	case KindSchema:
		return strings.Join([]string{string(KindSchema), m.Command, m.Query}, Delimiter)
	case KindTriggers:
		return string(KindTriggers)
	default:
		idx := formatIndexes(m.Indexes)
		if m.ErrText != "" {
			idx = ErrMarker + " " + m.ErrText
		}
		fields := []string{string(KindData), m.Table, string(m.Op), idx}
		if len(m.Columns) > 0 {
			fields = append(fields, strings.Join(m.Columns, ","))
		}
		return strings.Join(fields, Delimiter)
	}
}

// Decode parses a raw notification payload.
func Decode(raw string) (Message, error) {
	fields := strings.Split(raw, Delimiter)
	switch Kind(fields[0]) {
	case KindTriggers:
		return Message{Kind: KindTriggers}, nil

	case KindSchema:
		if len(fields) < 2 {
			return Message{}, fmt.Errorf("schema payload missing command: %q", raw)
		}
		msg := Message{Kind: KindSchema, Command: fields[1]}
		if len(fields) > 2 {
			msg.Query = fields[2]
		}
		return msg, nil

	case KindData:
		if len(fields) < 4 {
			return Message{}, fmt.Errorf("data payload has %d fields, want at least 4: %q", len(fields), raw)
		}
		msg := Message{
			Kind:  KindData,
			Table: fields[1],
			Op:    Op(fields[2]),
		}
		switch msg.Op {
		case OpInsert, OpUpdate, OpDelete:
		default:
			return Message{}, fmt.Errorf("unknown operation %q", fields[2])
		}

		idxField := strings.TrimSpace(fields[3])
		if strings.HasPrefix(idxField, ErrMarker) {
			msg.ErrText = strings.TrimSpace(strings.TrimPrefix(idxField, ErrMarker))
			if msg.ErrText == "" {
				msg.ErrText = "condition evaluation failed"
			}
		} else {
			indexes, err := parseIndexes(idxField)
			if err != nil {
				return Message{}, err
			}
			msg.Indexes = indexes
		}

		if len(fields) > 4 && fields[4] != "" {
			msg.Columns = strings.Split(fields[4], ",")
		}
		return msg, nil

	default:
		return Message{}, fmt.Errorf("unknown message kind %q", fields[0])
	}
}

func formatIndexes(indexes []int) string {
	parts := make([]string, len(indexes))
	for i, n := range indexes {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func parseIndexes(field string) ([]int, error) {
	if field == "" {
		return nil, nil
	}
	parts := strings.Split(field, ",")
	indexes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("non-integer condition index %q", p)
		}
		indexes = append(indexes, n)
	}
	return indexes, nil
}
