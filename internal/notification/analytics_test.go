package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRate(t *testing.T) {
	assert.Equal(t, 50.0, roundRate(1, 2))
	assert.Equal(t, 33.33, roundRate(1, 3))
	assert.Equal(t, 66.67, roundRate(2, 3))
	assert.Equal(t, 100.0, roundRate(7, 7))
	assert.Equal(t, 0.0, roundRate(0, 5))
}

func TestPrefixColumns(t *testing.T) {
	assert.Equal(t, "t.a, t.b, t.c", prefixColumns("t", "a, b, c"))

	// Multi-line column lists collapse to a flat qualified list.
	got := prefixColumns("t", `transaction_id, user_id,
		status`)
	assert.Equal(t, "t.transaction_id, t.user_id, t.status", got)
}

func TestErrorWindow(t *testing.T) {
	where, args := errorWindow(nil, nil)
	assert.Empty(t, where)
	assert.Empty(t, args)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	where, args = errorWindow(&start, nil)
	assert.Equal(t, " WHERE created_at >= $1", where)
	require.Len(t, args, 1)

	where, args = errorWindow(&start, &end)
	assert.Equal(t, " WHERE created_at >= $1 AND created_at <= $2", where)
	require.Len(t, args, 2)
	assert.Equal(t, start, args[0])
	assert.Equal(t, end, args[1])
}
