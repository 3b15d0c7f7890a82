package shm

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName = "github.com/srediag/shmalloc"
	metricsNamespace    = "shmalloc"

	opAllocate     = "allocate"
	opAllocateMore = "allocate_more"
	opDeallocate   = "deallocate"
)

func meterOf(config *Config) metric.Meter {
	if config.Meter != nil {
		return config.Meter
	}
	return metricnoop.NewMeterProvider().Meter(instrumentationName)
}

func tracerOf(config *Config) trace.Tracer {
	if config.Tracer != nil {
		return config.Tracer
	}
	return tracenoop.NewTracerProvider().Tracer(instrumentationName)
}

// metrics is the Prometheus collector of one mapping and the holder of its
// OpenTelemetry instruments. Occupancy gauges are read from the region at
// scrape time.
type metrics struct {
	source     func() (Stats, error)
	registerer prometheus.Registerer
	region     attribute.KeyValue

	operations *prometheus.CounterVec
	freed      prometheus.Counter

	capacityDesc *prometheus.Desc
	usedDesc     *prometheus.Desc
	freeDesc     *prometheus.Desc
	largestDesc  *prometheus.Desc
	liveDesc     *prometheus.Desc

	otelOperations metric.Int64Counter
	otelFreed      metric.Int64Counter
}

func newMetrics(name string, config *Config, source func() (Stats, error)) (*metrics, error) {
	labels := prometheus.Labels{"region": name}
	gauge := func(metricName, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "region", metricName), help, nil, labels)
	}
	m := &metrics{
		source:     source,
		registerer: config.Registerer,
		region:     attribute.String("region", name),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "operations_total",
			Help:        "Allocator operations by kind and result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		freed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "blocks_freed_total",
			Help:        "Blocks returned to the free list, cascades included.",
			ConstLabels: labels,
		}),
		capacityDesc: gauge("capacity_bytes", "Payload bytes the region can hold."),
		usedDesc:     gauge("used_bytes", "Payload bytes in allocated blocks."),
		freeDesc:     gauge("free_bytes", "Payload bytes in free blocks and untouched capacity."),
		largestDesc:  gauge("largest_free_bytes", "Largest single allocation that would succeed."),
		liveDesc:     gauge("live_blocks", "Allocated blocks."),
	}

	meter := meterOf(config)
	var err error
	if m.otelOperations, err = meter.Int64Counter("shmalloc.operations",
		metric.WithDescription("Allocator operations by kind and result.")); err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	if m.otelFreed, err = meter.Int64Counter("shmalloc.blocks.freed",
		metric.WithDescription("Blocks returned to the free list.")); err != nil {
		return nil, fmt.Errorf("create freed counter: %w", err)
	}
	return m, nil
}

func (m *metrics) register() error {
	if m.registerer == nil {
		return nil
	}
	if err := m.registerer.Register(m); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			// Another mapping of the same region already reports it.
			internalLogger.debugf("metrics for region already registered, skipping")
			m.registerer = nil
			return nil
		}
		return err
	}
	return nil
}

func (m *metrics) unregister() {
	if m.registerer != nil {
		m.registerer.Unregister(m)
	}
}

func (m *metrics) observe(ctx context.Context, op string, freed int, err error) {
	result := "ok"
	if err != nil {
		result = reason(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.otelOperations.Add(ctx, 1, metric.WithAttributes(
		m.region, attribute.String("op", op), attribute.String("result", result)))
	if freed > 0 {
		m.freed.Add(float64(freed))
		m.otelFreed.Add(ctx, int64(freed), metric.WithAttributes(m.region))
	}
}

// Describe implements prometheus.Collector.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.operations.Describe(ch)
	m.freed.Describe(ch)
	ch <- m.capacityDesc
	ch <- m.usedDesc
	ch <- m.freeDesc
	ch <- m.largestDesc
	ch <- m.liveDesc
}

// Collect implements prometheus.Collector.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.operations.Collect(ch)
	m.freed.Collect(ch)

	st, err := m.source()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(m.usedDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(m.capacityDesc, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(m.usedDesc, prometheus.GaugeValue, float64(st.Used))
	ch <- prometheus.MustNewConstMetric(m.freeDesc, prometheus.GaugeValue, float64(st.Free))
	ch <- prometheus.MustNewConstMetric(m.largestDesc, prometheus.GaugeValue, float64(st.LargestFree))
	ch <- prometheus.MustNewConstMetric(m.liveDesc, prometheus.GaugeValue, float64(st.LiveBlocks))
}
