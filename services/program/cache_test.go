package program

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loyalty-controlplane/pkg/celengine"
)

func TestFormulaCacheCompilesOncePerVersion(t *testing.T) {
	cache, err := NewFormulaCache(time.Minute)
	require.NoError(t, err)

	p := &LoyaltyProgram{ID: "prg_01", Version: 1, PointsFormula: "amount * rate * 2.0"}

	first, err := cache.ProgramFor(p)
	require.NoError(t, err)

	second, err := cache.ProgramFor(p)
	require.NoError(t, err)
	require.Same(t, first, second)

	// a new version compiles fresh
	p.Version = 2
	third, err := cache.ProgramFor(p)
	require.NoError(t, err)
	require.NotNil(t, third)

	points, err := celengine.EvaluatePoints(third, map[string]any{
		"amount": 50.0,
		"domain": "BASE_PURCHASE",
		"rate":   1.0,
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), points)
}

func TestFormulaCacheDefaultFormula(t *testing.T) {
	cache, err := NewFormulaCache(0)
	require.NoError(t, err)

	p := &LoyaltyProgram{ID: "prg_01", Version: 1, EarnRate: 1.5}
	prg, err := cache.ProgramFor(p)
	require.NoError(t, err)

	points, err := celengine.EvaluatePoints(prg, map[string]any{
		"amount": 101.0,
		"domain": "BASE_PURCHASE",
		"rate":   p.EarnRate,
	})
	require.NoError(t, err)
	require.Equal(t, int64(151), points)
}

func TestFormulaCacheRejectsBrokenExpression(t *testing.T) {
	cache, err := NewFormulaCache(0)
	require.NoError(t, err)

	p := &LoyaltyProgram{ID: "prg_01", Version: 1, PointsFormula: "amount *"}
	_, err = cache.ProgramFor(p)
	require.Error(t, err)
}
