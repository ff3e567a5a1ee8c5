// Package metrics exposes Prometheus collectors for the table service.
// Each Metrics value owns its own registry so several services, or tests,
// can run in one process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "omero_tables"

// Metrics holds the table service collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	openTables       prometheus.Gauge
	attachedHandles  prometheus.Gauge
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	rowsAppended     prometheus.Counter
	conflicts        *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		openTables: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_tables",
			Help:      "Number of table files currently open",
		}),
		attachedHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_handles",
			Help:      "Number of table handles currently attached",
		}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Table operations by operation and result",
		}, []string{"operation", "result"}),
		operationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Table operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
		rowsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_appended_total",
			Help:      "Rows appended to tables",
		}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Rejected operations caused by concurrent access, by kind",
		}, []string{"kind"}),
	}
}

// conflictCodes are the error kinds counted as access conflicts.
var conflictCodes = []errors.Code{
	errors.TableOptimisticLock,
	errors.TableLockTimeout,
	errors.TableConcurrency,
}

// Observe records one finished operation.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil {
		m.operations.WithLabelValues(operation, "success").Inc()
		return
	}
	m.operations.WithLabelValues(operation, "error").Inc()
	for _, code := range conflictCodes {
		if errors.HasCode(err, code) {
			m.conflicts.WithLabelValues(code.Name()).Inc()
			return
		}
	}
}

func (m *Metrics) TableOpened() {
	if m != nil {
		m.openTables.Inc()
	}
}

func (m *Metrics) TableClosed() {
	if m != nil {
		m.openTables.Dec()
	}
}

func (m *Metrics) HandleAttached() {
	if m != nil {
		m.attachedHandles.Inc()
	}
}

func (m *Metrics) HandleDetached() {
	if m != nil {
		m.attachedHandles.Dec()
	}
}

func (m *Metrics) RowsAppended(n int) {
	if m != nil {
		m.rowsAppended.Add(float64(n))
	}
}
