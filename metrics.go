package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/meridian-commerce/outbox"

type relayMetrics struct {
	delivered         metric.Int64Counter
	failed            metric.Int64Counter
	deadLettered      metric.Int64Counter
	reclaimed         metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	dispatchLatency   metric.Float64Histogram
	batchSize         metric.Int64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (*relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(instrumentationName)

	var (
		m   relayMetrics
		err error
	)

	m.delivered, err = meter.Int64Counter(
		"outbox.relay.records.delivered",
		metric.WithDescription("Number of outbox records delivered to every subscriber"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.records.delivered counter: %w", err)
	}

	m.failed, err = meter.Int64Counter(
		"outbox.relay.records.failed",
		metric.WithDescription("Number of failed delivery attempts"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.records.failed counter: %w", err)
	}

	m.deadLettered, err = meter.Int64Counter(
		"outbox.relay.records.dead_lettered",
		metric.WithDescription("Number of outbox records dead-lettered"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.records.dead_lettered counter: %w", err)
	}

	m.reclaimed, err = meter.Int64Counter(
		"outbox.relay.records.reclaimed",
		metric.WithDescription("Number of outbox records reclaimed after their lease expired"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.records.reclaimed counter: %w", err)
	}

	m.stateUpdateFailed, err = meter.Int64Counter(
		"outbox.relay.records.state_update_failed",
		metric.WithDescription("Number of outbox records whose delivery outcome could not be stored"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.records.state_update_failed counter: %w", err)
	}

	m.dispatchLatency, err = meter.Float64Histogram(
		"outbox.relay.dispatch.latency",
		metric.WithDescription("Time taken to dispatch one record to its subscribers"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.dispatch.latency histogram: %w", err)
	}

	m.batchSize, err = meter.Int64Gauge(
		"outbox.relay.batch.size",
		metric.WithDescription("Number of eligible records selected in the last relay cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.batch.size gauge: %w", err)
	}

	return &m, nil
}
