// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth authorization server core. All instruments are created against an
// injected MeterProvider so that callers without a metrics pipeline pay
// nothing (the no-op provider is the default).
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope for all meters and tracers
const ScopeName = "github.com/riatzukiza/mcp-oauth"

// Metrics bundles the counters recorded by the token authority and the
// replicated persistence layer.
type Metrics struct {
	tokensIssued      metric.Int64Counter
	codesExchanged    metric.Int64Counter
	refreshRotations  metric.Int64Counter
	reuseHits         metric.Int64Counter
	tokensRevoked     metric.Int64Counter
	projectionApplies metric.Int64Counter
	fallbackReads     metric.Int64Counter
	ownershipChanges  metric.Int64Counter
	cleanupRemoved    metric.Int64Counter
}

// New creates the metric instruments on the given provider.
// Pass nil to use the global otel provider.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(ScopeName)

	m := &Metrics{}
	var err error

	if m.tokensIssued, err = meter.Int64Counter("oauth.tokens.issued",
		metric.WithDescription("Access/refresh token pairs issued")); err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}
	if m.codesExchanged, err = meter.Int64Counter("oauth.codes.exchanged",
		metric.WithDescription("Authorization codes exchanged for tokens")); err != nil {
		return nil, fmt.Errorf("failed to create codes.exchanged counter: %w", err)
	}
	if m.refreshRotations, err = meter.Int64Counter("oauth.refresh.rotations",
		metric.WithDescription("Refresh tokens rotated")); err != nil {
		return nil, fmt.Errorf("failed to create refresh.rotations counter: %w", err)
	}
	if m.reuseHits, err = meter.Int64Counter("oauth.refresh.reuse_hits",
		metric.WithDescription("Refresh exchanges answered from the reuse window")); err != nil {
		return nil, fmt.Errorf("failed to create refresh.reuse_hits counter: %w", err)
	}
	if m.tokensRevoked, err = meter.Int64Counter("oauth.tokens.revoked",
		metric.WithDescription("Tokens revoked")); err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}
	if m.projectionApplies, err = meter.Int64Counter("oauth.projection.applies",
		metric.WithDescription("Mutations applied to the durable projection")); err != nil {
		return nil, fmt.Errorf("failed to create projection.applies counter: %w", err)
	}
	if m.fallbackReads, err = meter.Int64Counter("oauth.projection.fallback_reads",
		metric.WithDescription("Reads served from the durable projection after a fast-store miss")); err != nil {
		return nil, fmt.Errorf("failed to create projection.fallback_reads counter: %w", err)
	}
	if m.ownershipChanges, err = meter.Int64Counter("oauth.projection.ownership_changes",
		metric.WithDescription("Projection ownership acquisitions and demotions")); err != nil {
		return nil, fmt.Errorf("failed to create projection.ownership_changes counter: %w", err)
	}
	if m.cleanupRemoved, err = meter.Int64Counter("oauth.cleanup.removed",
		metric.WithDescription("Expired records removed by cleanup sweeps")); err != nil {
		return nil, fmt.Errorf("failed to create cleanup.removed counter: %w", err)
	}

	return m, nil
}

// Nop returns metrics backed by the no-op provider
func Nop() *Metrics {
	m, _ := New(metricnoop.NewMeterProvider())
	return m
}

// TokenIssued records an issued token pair for the given grant type
func (m *Metrics) TokenIssued(ctx context.Context, grantType string) {
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// CodeExchanged records a successful authorization code exchange
func (m *Metrics) CodeExchanged(ctx context.Context) {
	m.codesExchanged.Add(ctx, 1)
}

// RefreshRotated records a refresh token rotation
func (m *Metrics) RefreshRotated(ctx context.Context) {
	m.refreshRotations.Add(ctx, 1)
}

// ReuseHit records a refresh exchange served from the reuse window
func (m *Metrics) ReuseHit(ctx context.Context) {
	m.reuseHits.Add(ctx, 1)
}

// TokenRevoked records a revocation for the given token kind
func (m *Metrics) TokenRevoked(ctx context.Context, kind string) {
	m.tokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ProjectionApplied records a mutation applied to the durable projection
func (m *Metrics) ProjectionApplied(ctx context.Context, entity, operation string) {
	m.projectionApplies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation)))
}

// FallbackRead records a read served from the durable projection
func (m *Metrics) FallbackRead(ctx context.Context, entity string) {
	m.fallbackReads.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}

// OwnershipChanged records an ownership transition ("acquired" or "demoted")
func (m *Metrics) OwnershipChanged(ctx context.Context, transition string) {
	m.ownershipChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", transition)))
}

// CleanupRemoved records records removed by a cleanup sweep
func (m *Metrics) CleanupRemoved(ctx context.Context, count int) {
	if count > 0 {
		m.cleanupRemoved.Add(ctx, int64(count))
	}
}

// Tracer returns a tracer for the authority's spans.
// Pass nil to use the global otel provider.
func Tracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(ScopeName)
}
