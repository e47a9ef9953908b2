package freeze

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

func newTestController(t *testing.T) (*Controller, *audit.Chain) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("audit-test")
	require.NoError(t, err)
	chain := audit.NewChain(audit.NewMemoryStore(), signer)
	return NewController(NewMemoryStore(), chain), chain
}

func TestFreezeSetAndClearAreAudited(t *testing.T) {
	ctx := context.Background()
	ctrl, chain := newTestController(t)

	active, _, err := ctrl.Active(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, ctrl.Set(ctx, "operator:alice", "suspicious burst"))

	active, reason, err := ctrl.Active(ctx)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "suspicious burst", reason)

	require.NoError(t, ctrl.Clear(ctx, "operator:alice"))
	active, _, err = ctrl.Active(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	head, err := chain.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.Seq, "one entry per flip")
	require.NoError(t, chain.Verify(ctx))
}

func TestMemoryStoreReasonClearedWithFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "why"))
	require.NoError(t, s.Clear(ctx))
	_, reason, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, reason)
}
