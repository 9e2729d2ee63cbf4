package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-research/execution-engine/internal/store"
	"github.com/deep-research/execution-engine/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(st, nil, nil, t.TempDir())
}

func TestRegistry_GetReturnsSameCoordinator(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Get(ctx, "acct-1")
	require.NoError(t, err)
	b, err := r.Get(ctx, "acct-1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, []string{"acct-1"}, r.Accounts())
}

func TestRegistry_CoordinatorStateSurvivesBetweenSignals(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Store().SaveConfig(ctx, "acct-1", &types.ConfigUpdate{
		Enabled:        bPtr(true),
		EquitySnapshot: f64Ptr(1000),
	})
	require.NoError(t, err)

	c, err := r.Get(ctx, "acct-1")
	require.NoError(t, err)
	_, err = c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	// A later lookup sees the open position and the consumed request ID.
	again, err := r.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, again.ActiveTrades(), 1)

	_, err = again.Execute(ctx, signal("req-1", "ETHUSDT"))
	assert.Error(t, err)
}

func TestRegistry_RemoveTearsDown(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, "acct-1")
	require.NoError(t, err)

	r.Remove(ctx, "acct-1")
	assert.Empty(t, r.Accounts())

	// The next Get builds a fresh coordinator from the persisted config.
	c, err := r.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, c.ActiveTrades())
}

func TestRegistry_StatusesSorted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, "beta")
	require.NoError(t, err)
	_, err = r.Get(ctx, "alpha")
	require.NoError(t, err)

	statuses := r.Statuses(ctx)
	require.Len(t, statuses, 2)
	assert.Equal(t, "alpha", statuses[0].AccountID)
	assert.Equal(t, "beta", statuses[1].AccountID)
	assert.Equal(t, types.ModeSimulation, statuses[0].Mode)
}

func TestRenderStatusTable_IncludesAccounts(t *testing.T) {
	var buf bytes.Buffer
	RenderStatusTable(&buf, []EngineStatus{
		{AccountID: "acct-1", Mode: types.ModeAuto, Enabled: true, DailyPnL: -12.5, Equity: 1000},
		{AccountID: "acct-2", Mode: types.ModeSimulation, CircuitBreaker: true},
	})

	out := buf.String()
	assert.Contains(t, out, "acct-1")
	assert.Contains(t, out, "AUTO")
	assert.Contains(t, out, "TRIPPED")
	assert.Contains(t, out, "-12.50")
}
