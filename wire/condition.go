package wire

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
)

// ConditionTrue is the normalized form of an empty filter: every row of the
// table matches.
const ConditionTrue = "TRUE"

// NormalizeCondition canonicalizes a boolean predicate so that textually
// different spellings of the same filter share one trigger registration.
// The predicate itself stays opaque; only whitespace and a leading WHERE are
// touched.
func NormalizeCondition(condition string) string {
	c := strings.TrimSpace(condition)
	if c == "" {
		return ConditionTrue
	}
	if len(c) >= 6 && strings.EqualFold(c[:5], "where") && isSpace(c[5]) {
		c = strings.TrimSpace(c[5:])
	}
	c = strings.Join(strings.Fields(c), " ")
	c = strings.TrimSuffix(c, ";")
	if c == "" {
		return ConditionTrue
	}
	return c
}

// ConditionHash returns the stable content hash of a normalized condition,
// used as part of the registration primary key.
func ConditionHash(normalized string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// InlineParams substitutes positional placeholders ($1..$n) with quoted
// literals. Registered conditions are stored as opaque SQL text evaluated
// inside the generated procedures, where no bind parameters exist. Every
// parameter must be referenced; unreferenced parameters indicate a caller
// bug and are rejected.
func InlineParams(condition string, params []any) (string, error) {
	out := condition
	// Highest placeholder first, so $1 never matches the prefix of $10.
	for i := len(params); i >= 1; i-- {
		placeholder := fmt.Sprintf("$%d", i)
		if !strings.Contains(out, placeholder) {
			return "", fmt.Errorf("condition does not reference parameter %s", placeholder)
		}
		out = strings.ReplaceAll(out, placeholder, quoteValue(params[i-1]))
	}
	return out, nil
}

func quoteValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%v", val)
	case string:
		return pq.QuoteLiteral(val)
	default:
		return pq.QuoteLiteral(fmt.Sprintf("%v", val))
	}
}
