package worker

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters of one Worker. They start at zero when the Worker is built.
type Metrics struct {
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	duplicates   atomic.Int64
	// terminal numbers processed+failed outcomes so each multiple is seen once.
	terminal atomic.Int64

	duration prometheus.Histogram

	processedDesc    *prometheus.Desc
	failedDesc       *prometheus.Desc
	retriedDesc      *prometheus.Desc
	deadLetteredDesc *prometheus.Desc
	duplicatesDesc   *prometheus.Desc
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Processed    int64   `json:"processed"`
	Failed       int64   `json:"failed"`
	Retried      int64   `json:"retried"`
	DeadLettered int64   `json:"deadLettered"`
	Duplicates   int64   `json:"duplicates"`
	SuccessRate  float64 `json:"successRate"`
}

func NewMetrics(topic string) *Metrics {
	labels := prometheus.Labels{"topic": topic}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("pipeline", "worker", name), help, nil, labels)
	}

	return &Metrics{
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pipeline",
			Subsystem:   "worker",
			Name:        "processing_duration_seconds",
			Help:        "Time taken by the processor per event",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5},
			ConstLabels: labels,
		}),
		processedDesc:    desc("processed_total", "Events processed successfully"),
		failedDesc:       desc("failed_total", "Events that failed terminally"),
		retriedDesc:      desc("retried_total", "Events republished for another attempt"),
		deadLetteredDesc: desc("dead_lettered_total", "Events published to the dead-letter topic"),
		duplicatesDesc:   desc("duplicates_total", "Redeliveries of already completed events"),
	}
}

func (m *Metrics) observeSuccess(took time.Duration) int64 {
	m.duration.Observe(took.Seconds())
	m.processed.Add(1)
	return m.terminal.Add(1)
}

func (m *Metrics) observeDeadLetter() int64 {
	m.deadLettered.Add(1)
	m.failed.Add(1)
	return m.terminal.Add(1)
}

func (m *Metrics) observeRetry() {
	m.retried.Add(1)
}

func (m *Metrics) observeDuplicate() {
	m.duplicates.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Processed:    m.processed.Load(),
		Failed:       m.failed.Load(),
		Retried:      m.retried.Load(),
		DeadLettered: m.deadLettered.Load(),
		Duplicates:   m.duplicates.Load(),
	}
	if total := s.Processed + s.Failed; total > 0 {
		s.SuccessRate = float64(s.Processed) / float64(total)
	}
	return s
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.processedDesc
	ch <- m.failedDesc
	ch <- m.retriedDesc
	ch <- m.deadLetteredDesc
	ch <- m.duplicatesDesc
	m.duration.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(m.processedDesc, prometheus.CounterValue, float64(s.Processed))
	ch <- prometheus.MustNewConstMetric(m.failedDesc, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(m.retriedDesc, prometheus.CounterValue, float64(s.Retried))
	ch <- prometheus.MustNewConstMetric(m.deadLetteredDesc, prometheus.CounterValue, float64(s.DeadLettered))
	ch <- prometheus.MustNewConstMetric(m.duplicatesDesc, prometheus.CounterValue, float64(s.Duplicates))
	m.duration.Collect(ch)
}
