package trade

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics counts marketplace operations and observes the fees each
// settlement collects. Instruments come from the global meter provider; with
// none installed they are no-ops.
type engineMetrics struct {
	ops       metric.Int64Counter
	failures  metric.Int64Counter
	feesTaken metric.Int64Histogram
}

func newEngineMetrics() engineMetrics {
	meter := otel.Meter("bazaar/trade")
	var m engineMetrics
	var err error
	if m.ops, err = meter.Int64Counter("bazaar.trade.operations",
		metric.WithDescription("Marketplace operations processed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		panic(err)
	}
	if m.failures, err = meter.Int64Counter("bazaar.trade.failures",
		metric.WithDescription("Marketplace operations that returned an error"),
		metric.WithUnit("{operation}"),
	); err != nil {
		panic(err)
	}
	if m.feesTaken, err = meter.Int64Histogram("bazaar.trade.market_fee",
		metric.WithDescription("Marketplace fee collected per settlement"),
		metric.WithUnit("{minor_unit}"),
	); err != nil {
		panic(err)
	}
	return m
}

// observe records one operation outcome.
func (m engineMetrics) observe(ctx context.Context, op string, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.ops.Add(ctx, 1, attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}

// settled records the marketplace fee a settlement deposited.
func (m engineMetrics) settled(ctx context.Context, op string, fee uint64) {
	m.feesTaken.Record(ctx, int64(fee), metric.WithAttributes(attribute.String("op", op)))
}
