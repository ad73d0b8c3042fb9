package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/dimensigon/aishell"

var (
	metricsMu  sync.Mutex
	counters   = map[string]metric.Int64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

func counter(name string) metric.Int64Counter {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c, err := otel.Meter(meterName).Int64Counter(name)
	if err != nil {
		// A misconfigured SDK falls back to a noop instrument rather
		// than failing the caller.
		c, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(name)
	}
	counters[name] = c
	return c
}

func histogram(name string) metric.Float64Histogram {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h
	}
	h, err := otel.Meter(meterName).Float64Histogram(name)
	if err != nil {
		h, _ = noop.NewMeterProvider().Meter(meterName).Float64Histogram(name)
	}
	histograms[name] = h
	return h
}

// Counter increments a named counter with optional label pairs.
func Counter(ctx context.Context, name string, labels ...attribute.KeyValue) {
	counter(name).Add(ctx, 1, metric.WithAttributes(labels...))
}

// CounterAdd increments a named counter by n.
func CounterAdd(ctx context.Context, name string, n int64, labels ...attribute.KeyValue) {
	counter(name).Add(ctx, n, metric.WithAttributes(labels...))
}

// Histogram records a value in a named distribution, typically a
// duration in milliseconds.
func Histogram(ctx context.Context, name string, value float64, labels ...attribute.KeyValue) {
	histogram(name).Record(ctx, value, metric.WithAttributes(labels...))
}
