package otelsetup

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FleetMetrics holds the counters/histograms the supervisor and gateway
// record into on every turn and every upstream reconnect.
type FleetMetrics struct {
	TurnsClassified    metric.Int64Counter
	ReconnectAttempts  metric.Int64Counter
	HistoryEvictions   metric.Int64Counter
	WorkerHeartbeats   metric.Int64Counter
}

// NewFleetMetrics registers the fleet's instruments against the given meter.
func NewFleetMetrics(meter metric.Meter) (*FleetMetrics, error) {
	turns, err := meter.Int64Counter("synv2.supervisor.turns_classified",
		metric.WithDescription("supervisor turns grouped by classification outcome"))
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64Counter("synv2.gateway.reconnect_attempts",
		metric.WithDescription("gateway upstream reconnect attempts"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("synv2.gateway.history_evictions",
		metric.WithDescription("events evicted from the gateway history ring"))
	if err != nil {
		return nil, err
	}
	heartbeats, err := meter.Int64Counter("synv2.workeragent.heartbeats",
		metric.WithDescription("heartbeats sent by worker agents to the control plane"))
	if err != nil {
		return nil, err
	}
	return &FleetMetrics{
		TurnsClassified:   turns,
		ReconnectAttempts: reconnects,
		HistoryEvictions:  evictions,
		WorkerHeartbeats:  heartbeats,
	}, nil
}

// RecordTurn records one supervisor turn classification.
func (m *FleetMetrics) RecordTurn(ctx context.Context, classification string) {
	if m == nil || m.TurnsClassified == nil {
		return
	}
	m.TurnsClassified.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", classification)))
}
