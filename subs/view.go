package subs

import (
	"fmt"
	"strings"

	"github.com/pgpulse/pgpulse/wire"
)

// TableCondition is one trigger-registry binding produced for a
// subscription: a normalized predicate on one base table.
type TableCondition struct {
	Table     string
	Condition string
	Hash      string
}

// decomposeView turns a view subscription into one condition per related
// base table. A view cannot carry statement-level change triggers itself, so
// each underlying table gets a probe asking whether the filtered view still
// produces rows after the statement. The probe is the same for every related
// table: what differs is which table's changes cause it to be evaluated.
//
// The probe over-notifies (any change on a related table while the filtered
// view is non-empty fires a push) but never misses a change that leaves the
// view non-empty. A change that empties the view entirely is caught by the
// trailing throttled push of the statement that emptied it, since the probe
// also runs against the old transition rows for updates and deletes.
func decomposeView(viewDef, filter string, params []any, related []string) ([]TableCondition, error) {
	if len(related) == 0 {
		return nil, fmt.Errorf("view subscription needs at least one related base table")
	}
	if strings.TrimSpace(viewDef) == "" {
		return nil, fmt.Errorf("view subscription needs the view definition")
	}

	inner := wire.NormalizeCondition(filter)
	inlined, err := wire.InlineParams(inner, params)
	if err != nil {
		return nil, err
	}

	probe := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM (%s) AS _view WHERE %s)",
		strings.TrimRight(strings.TrimSpace(viewDef), ";"),
		inlined,
	)
	probe = wire.NormalizeCondition(probe)

	conditions := make([]TableCondition, 0, len(related))
	for _, table := range related {
		conditions = append(conditions, TableCondition{
			Table:     table,
			Condition: probe,
			Hash:      wire.ConditionHash(probe),
		})
	}
	return conditions, nil
}

