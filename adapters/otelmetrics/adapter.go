package otelmetrics

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-openbanking/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultScopeName identifies the instrumentation scope for every meter
// this package creates.
const DefaultScopeName = "github.com/goliatone/go-openbanking"

// Recorder bridges the banking metrics contract onto an OpenTelemetry
// meter. Instruments are created lazily per metric name and cached, so
// callers can emit names the recorder has never seen without registering
// anything up front.
type Recorder struct {
	meter      metric.Meter
	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewRecorder builds a recorder from a meter provider. A nil provider
// degrades to the no-op meter so wiring stays unconditional.
func NewRecorder(provider metric.MeterProvider) *Recorder {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	return &Recorder{
		meter:      provider.Meter(DefaultScopeName),
		counters:   map[string]metric.Int64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

func (r *Recorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if r == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	counter, err := r.counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attributesFromTags(tags)...))
}

func (r *Recorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	histogram, err := r.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(attributesFromTags(tags)...))
}

func (r *Recorder) counter(name string) (metric.Int64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[name]; ok {
		return counter, nil
	}
	counter, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = counter
	return counter, nil
}

func (r *Recorder) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, ok := r.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = histogram
	return histogram, nil
}

func attributesFromTags(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

var _ core.MetricsRecorder = (*Recorder)(nil)
