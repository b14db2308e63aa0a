package coordinator

import (
    "context"
    "log/slog"

    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/metric"
)

const meterName = "gridx.coordinator"

type metrics struct {
    submissions    metric.Int64Counter
    debited        metric.Int64Counter
    refunded       metric.Int64Counter
    refundFailures metric.Int64Counter
}

// The OTel API hands back a usable noop instrument alongside any error, so
// a failure here is logged and the coordinator carries on.
func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
    counter := func(name, desc, unit string) metric.Int64Counter {
        c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
        if err != nil {
            logger.Warn("create instrument", slog.String("instrument", name), slog.String("error", err.Error()))
        }
        return c
    }
    return &metrics{
        submissions:    counter("gridx.submissions", "Job submissions by outcome", "{submission}"),
        debited:        counter("gridx.ledger.debited", "Credits debited for admitted jobs", "{credit}"),
        refunded:       counter("gridx.ledger.refunded", "Credits refunded after failed job creation", "{credit}"),
        refundFailures: counter("gridx.ledger.refund_failures", "Compensating refunds that could not be applied", "{refund}"),
    }
}

func (m *metrics) outcome(ctx context.Context, outcome string) {
    m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
