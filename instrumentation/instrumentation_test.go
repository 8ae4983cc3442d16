package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCountersRecord(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := New(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.TokenIssued(ctx, "authorization_code")
	m.TokenIssued(ctx, "refresh_token")
	m.CodeExchanged(ctx)
	m.RefreshRotated(ctx)
	m.ReuseHit(ctx)
	m.TokenRevoked(ctx, "refresh_token")
	m.ProjectionApplied(ctx, "access_token", "set")
	m.FallbackRead(ctx, "refresh_token")
	m.OwnershipChanged(ctx, "acquired")
	m.CleanupRemoved(ctx, 3)
	m.CleanupRemoved(ctx, 0) // must not record

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		data, ok := sm.Data.(metricdata.Sum[int64])
		if !ok {
			continue
		}
		var total int64
		for _, dp := range data.DataPoints {
			total += dp.Value
		}
		sums[sm.Name] = total
	}

	assert.Equal(t, int64(2), sums["oauth.tokens.issued"])
	assert.Equal(t, int64(1), sums["oauth.codes.exchanged"])
	assert.Equal(t, int64(1), sums["oauth.refresh.rotations"])
	assert.Equal(t, int64(1), sums["oauth.refresh.reuse_hits"])
	assert.Equal(t, int64(1), sums["oauth.tokens.revoked"])
	assert.Equal(t, int64(1), sums["oauth.projection.applies"])
	assert.Equal(t, int64(1), sums["oauth.projection.fallback_reads"])
	assert.Equal(t, int64(1), sums["oauth.projection.ownership_changes"])
	assert.Equal(t, int64(3), sums["oauth.cleanup.removed"])
}

func TestNopDoesNotPanic(t *testing.T) {
	m := Nop()
	ctx := context.Background()
	m.TokenIssued(ctx, "authorization_code")
	m.FallbackRead(ctx, "code")
	assert.NotNil(t, Tracer(nil))
}
