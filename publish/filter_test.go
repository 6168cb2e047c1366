package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpulse/pgpulse/wire"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"users", "orders"}, []string{"insert", "delete"})
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Len(t, filter.tableGlobs, 2)
	assert.Len(t, filter.ops, 2)
}

func TestGlobFilterEmptyMatchesEverything(t *testing.T) {
	filter, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("any_table", wire.OpInsert))
	assert.True(t, filter.Match("users", wire.OpUpdate))
	assert.True(t, filter.Match("", wire.OpDelete))
}

func TestGlobFilterTablePatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"orders", "audit_*"}, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("orders", wire.OpInsert))
	assert.True(t, filter.Match("audit_logins", wire.OpInsert))
	assert.False(t, filter.Match("users", wire.OpInsert))
	assert.False(t, filter.Match("orders_archive", wire.OpInsert))
}

func TestGlobFilterOperationAllowList(t *testing.T) {
	filter, err := NewGlobFilter(nil, []string{"delete"})
	require.NoError(t, err)

	assert.True(t, filter.Match("orders", wire.OpDelete))
	assert.False(t, filter.Match("orders", wire.OpInsert))
	assert.False(t, filter.Match("orders", wire.OpUpdate))
}

func TestGlobFilterInvalidInputs(t *testing.T) {
	_, err := NewGlobFilter([]string{"[invalid"}, nil)
	assert.Error(t, err)

	_, err = NewGlobFilter(nil, []string{"truncate"})
	assert.Error(t, err)
}
