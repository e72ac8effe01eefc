package otelmetrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type captureProvider struct {
	noop.MeterProvider
	meter *captureMeter
	scope string
}

func (p *captureProvider) Meter(name string, _ ...metric.MeterOption) metric.Meter {
	p.scope = name
	return p.meter
}

type captureMeter struct {
	noop.Meter
	counterNames   []string
	histogramNames []string
	counter        *captureCounter
	histogram      *captureHistogram
}

func (m *captureMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	m.counterNames = append(m.counterNames, name)
	return m.counter, nil
}

func (m *captureMeter) Float64Histogram(name string, _ ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	m.histogramNames = append(m.histogramNames, name)
	return m.histogram, nil
}

type captureCounter struct {
	noop.Int64Counter
	total     int64
	adds      int
	lastAttrs []attribute.KeyValue
}

func (c *captureCounter) Add(_ context.Context, value int64, opts ...metric.AddOption) {
	c.adds++
	c.total += value
	set := metric.NewAddConfig(opts).Attributes()
	c.lastAttrs = set.ToSlice()
}

type captureHistogram struct {
	noop.Float64Histogram
	values []float64
}

func (h *captureHistogram) Record(_ context.Context, value float64, _ ...metric.RecordOption) {
	h.values = append(h.values, value)
}

func newCaptureProvider() (*captureProvider, *captureMeter) {
	meter := &captureMeter{
		counter:   &captureCounter{},
		histogram: &captureHistogram{},
	}
	return &captureProvider{meter: meter}, meter
}

func TestRecorder_CountersAccumulateAndCacheInstruments(t *testing.T) {
	ctx := context.Background()
	provider, meter := newCaptureProvider()
	recorder := NewRecorder(provider)

	if provider.scope != DefaultScopeName {
		t.Fatalf("expected meter scope %q, got %q", DefaultScopeName, provider.scope)
	}

	recorder.IncCounter(ctx, "openbanking.token.refresh.success", 1, map[string]string{"bank_code": "mockbank"})
	recorder.IncCounter(ctx, "openbanking.token.refresh.success", 2, map[string]string{"bank_code": "mockbank"})

	if len(meter.counterNames) != 1 {
		t.Fatalf("expected one cached counter instrument, created %v", meter.counterNames)
	}
	if meter.counter.adds != 2 || meter.counter.total != 3 {
		t.Fatalf("expected two adds totalling 3, got adds=%d total=%d", meter.counter.adds, meter.counter.total)
	}

	foundBank := false
	for _, attr := range meter.counter.lastAttrs {
		if string(attr.Key) == "bank_code" && attr.Value.AsString() == "mockbank" {
			foundBank = true
		}
	}
	if !foundBank {
		t.Fatalf("expected bank_code attribute on counter adds, got %v", meter.counter.lastAttrs)
	}
}

func TestRecorder_HistogramRecordsValues(t *testing.T) {
	ctx := context.Background()
	provider, meter := newCaptureProvider()
	recorder := NewRecorder(provider)

	recorder.ObserveHistogram(ctx, "openbanking.operation.duration_ms", 125.5, nil)
	recorder.ObserveHistogram(ctx, "openbanking.operation.duration_ms", 240.0, map[string]string{"operation": "refresh_token"})

	if len(meter.histogramNames) != 1 {
		t.Fatalf("expected one cached histogram instrument, created %v", meter.histogramNames)
	}
	if len(meter.histogram.values) != 2 || meter.histogram.values[0] != 125.5 || meter.histogram.values[1] != 240.0 {
		t.Fatalf("unexpected recorded values %v", meter.histogram.values)
	}
}

func TestRecorder_BlankNamesAndNilProviderAreSafe(t *testing.T) {
	ctx := context.Background()
	provider, meter := newCaptureProvider()
	recorder := NewRecorder(provider)

	recorder.IncCounter(ctx, "   ", 1, nil)
	recorder.ObserveHistogram(ctx, "", 1.0, nil)
	if len(meter.counterNames) != 0 || len(meter.histogramNames) != 0 {
		t.Fatalf("expected blank metric names to be dropped")
	}

	var nilRecorder *Recorder
	nilRecorder.IncCounter(ctx, "openbanking.noop", 1, nil)
	nilRecorder.ObserveHistogram(ctx, "openbanking.noop", 1.0, nil)

	// A nil provider degrades to the no-op meter; emitting must not panic.
	fallback := NewRecorder(nil)
	fallback.IncCounter(ctx, "openbanking.noop", 1, map[string]string{"bank_code": "mockbank"})
	fallback.ObserveHistogram(ctx, "openbanking.noop", 5.0, nil)
}
