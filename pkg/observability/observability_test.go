package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every method must be safe without initialized providers.
	p.RecordDecision(ctx, "allow")
	p.RecordError(ctx, errors.New("boom"))
	opCtx, done := p.TrackOperation(ctx, "test-op")
	assert.NotNil(t, opCtx)
	done(errors.New("late failure"))

	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled, "telemetry must be opt-in")
	assert.Equal(t, "sentinel-gateway", cfg.ServiceName)
	assert.InDelta(t, 1.0, cfg.SampleRate, 0.0001)
}
