package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func TestEntityTypeRoundTrip(t *testing.T) {
	for _, et := range AllEntityTypes {
		parsed, err := ParseEntityType(et.String())
		require.NoError(t, err)
		require.Equal(t, et, parsed)
	}

	_, err := ParseEntityType("margin_call")
	require.True(t, errors.Is(err, ErrUnknownEntityType))
}

func TestEntityTypePolicies(t *testing.T) {
	// Orders are the most critical entity: first in line, gap-checked,
	// resolved by the primary.
	assert.EqualValues(t, 0, EntityOrder.Priority())
	assert.Equal(t, ConsistencyStrong, EntityOrder.Consistency())
	assert.Equal(t, StrategyPrimaryWins, EntityOrder.Strategy())
	assert.False(t, EntityOrder.AppendOnly())

	assert.Equal(t, StrategyLastWriteWins, EntityPortfolio.Strategy())
	assert.Equal(t, ConsistencyStrong, EntityPortfolio.Consistency())

	assert.Equal(t, StrategyLastWriteWins, EntityProfile.Strategy())
	assert.Equal(t, ConsistencyEventual, EntityProfile.Consistency())

	for _, et := range AllEntityTypes {
		if et.AppendOnly() {
			assert.Equalf(t, StrategyMerge, et.Strategy(), "%s", et)
			assert.Equalf(t, ConsistencyEventual, et.Consistency(), "%s", et)
		} else {
			assert.NotEqualf(t, StrategyMerge, et.Strategy(), "%s", et)
		}
	}
}

func TestEntityTypeTableNames(t *testing.T) {
	seen := map[string]bool{}
	for _, et := range AllEntityTypes {
		name := et.TableName()
		require.NotEmpty(t, name)
		require.Falsef(t, seen[name], "duplicate table %s", name)
		seen[name] = true
	}
	assert.Empty(t, EntityUnknown.TableName())
}

func TestOperationRoundTrip(t *testing.T) {
	for _, op := range []SyncOperation{OpInsert, OpUpdate, OpDelete} {
		parsed, err := ParseOperation(op.String())
		require.NoError(t, err)
		require.Equal(t, op, parsed)
	}
	_, err := ParseOperation("upsert")
	require.True(t, errors.Is(err, ErrUnknownOperation))
}
