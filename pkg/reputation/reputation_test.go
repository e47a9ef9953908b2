package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeDeltasAreBounded(t *testing.T) {
	for _, o := range []Outcome{
		OutcomeAllowed, OutcomeDenied, OutcomeReviewed,
		OutcomeRateViolation, OutcomeSignatureAnomaly,
		OutcomeExecutionFailure, OutcomeExecutionSuccess,
	} {
		d := scoreDelta(o)
		assert.LessOrEqual(t, d, int64(1), "outcome %s", o)
		assert.GreaterOrEqual(t, d, int64(-3), "outcome %s", o)
	}
}

func TestUpdateAdjustsScoreAndCounters(t *testing.T) {
	store := NewMemoryStore(DecayPolicy{})
	ctx := context.Background()

	rec, err := store.Update(ctx, "a1", OutcomeDenied)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), rec.Score)
	assert.Equal(t, int64(1), rec.Denied)

	rec, err = store.Update(ctx, "a1", OutcomeSignatureAnomaly)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), rec.Score)
	assert.Equal(t, int64(1), rec.SignatureAnomalies)

	rec, err = store.Update(ctx, "a1", OutcomeExecutionSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), rec.Score)
}

func TestGetUnknownAgentIsZero(t *testing.T) {
	store := NewMemoryStore(DefaultDecay)
	rec, err := store.Get(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Score)
}

func TestScoreDecaysTowardZero(t *testing.T) {
	store := NewMemoryStore(DecayPolicy{Period: time.Hour, Step: 1})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Update(ctx, "a1", OutcomeDenied)
		require.NoError(t, err)
	}
	rec, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, int64(-6), rec.Score)

	now = now.Add(4 * time.Hour)
	rec, err = store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), rec.Score)

	// Decay never overshoots past zero.
	now = now.Add(100 * time.Hour)
	rec, err = store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Score)
}

func TestDecayAppliesBeforeUpdateDelta(t *testing.T) {
	store := NewMemoryStore(DecayPolicy{Period: time.Hour, Step: 1})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	ctx := context.Background()
	_, err := store.Update(ctx, "a1", OutcomeDenied) // -2
	require.NoError(t, err)

	now = now.Add(2 * time.Hour) // decays to 0
	rec, err := store.Update(ctx, "a1", OutcomeAllowed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Score)
}
