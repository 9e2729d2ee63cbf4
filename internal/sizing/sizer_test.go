package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantity_ReferenceCase(t *testing.T) {
	// riskAmount=10, stopDistance=1.5, 10/1.5=6.666..., floored to 2 decimals.
	qty, err := Quantity(1000, 100, 1.5, 1)
	require.NoError(t, err)
	assert.Equal(t, 6.66, qty)
}

func TestQuantity_RoundsDown(t *testing.T) {
	// 20/1.5 = 13.333... -> 13.33, never 13.34.
	qty, err := Quantity(2000, 100, 1.5, 1)
	require.NoError(t, err)
	assert.Equal(t, 13.33, qty)
}

func TestQuantity_ExactResult(t *testing.T) {
	// riskAmount=10, stopDistance=2 -> exactly 5.
	qty, err := Quantity(1000, 100, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, qty)
}

func TestQuantity_ZeroStopDistance(t *testing.T) {
	_, err := Quantity(1000, 100, 0, 1)
	assert.ErrorIs(t, err, ErrNoStopDistance)
}

func TestQuantity_NegativeStopDistance(t *testing.T) {
	_, err := Quantity(1000, 100, -1, 1)
	assert.ErrorIs(t, err, ErrNoStopDistance)
}

func TestQuantity_ZeroEquity(t *testing.T) {
	_, err := Quantity(0, 100, 1.5, 1)
	assert.ErrorIs(t, err, ErrNoEquity)
}

func TestQuantity_ZeroEntryPrice(t *testing.T) {
	_, err := Quantity(1000, 0, 1.5, 1)
	assert.ErrorIs(t, err, ErrNoEntryPrice)
}

func TestQuantity_ZeroRiskBudget(t *testing.T) {
	_, err := Quantity(1000, 100, 1.5, 0)
	assert.ErrorIs(t, err, ErrNoRiskBudget)
}

func TestQuantity_TinyRiskRoundsToZero(t *testing.T) {
	// riskAmount=0.1, stopDistance=1500 -> 0.000066..., floors to 0.
	_, err := Quantity(10, 100000, 1.5, 1)
	assert.ErrorIs(t, err, ErrZeroQuantity)
}
