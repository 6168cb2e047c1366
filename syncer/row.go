package syncer

import (
	"fmt"
	"reflect"

	"github.com/pgpulse/pgpulse/dataset"
)

// identity compares and orders rows for one session: a composite id plus the
// per-row logical clock column.
type identity struct {
	idFields    []string
	syncedField string
}

// synced extracts the row's logical clock value. Drivers and JSON decoding
// deliver numbers under several concrete types.
func (id identity) synced(row dataset.Row) uint64 {
	return toUint64(row[id.syncedField])
}

// sameRow reports whether two rows carry the same composite id.
func (id identity) sameRow(a, b dataset.Row) bool {
	for _, f := range id.idFields {
		if !equalValue(a[f], b[f]) {
			return false
		}
	}
	return true
}

// fullMatch reports id equality at the same logical clock value.
func (id identity) fullMatch(a, b dataset.Row) bool {
	return id.sameRow(a, b) && id.synced(a) == id.synced(b)
}

// idWhere builds the Where clause selecting exactly this row by id.
func (id identity) idWhere(row dataset.Row) dataset.Where {
	eq := make(dataset.Row, len(id.idFields))
	for _, f := range id.idFields {
		eq[f] = row[f]
	}
	return dataset.Where{Equal: eq}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int32:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case uint32:
		return uint64(n)
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case string:
		var out uint64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

// equalValue compares two row values loosely: numeric types compare by
// value regardless of width, everything else by deep equality.
func equalValue(a, b any) bool {
	an, aok := asInt64(a)
	bn, bok := asInt64(b)
	if aok && bok {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
