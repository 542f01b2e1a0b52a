package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/plexwatch/internal/processor"
)

// ProcessorMetrics counts processor outcomes. It implements
// processor.Recorder.
type ProcessorMetrics struct {
	Outcomes *prometheus.CounterVec
}

// NewProcessorMetrics creates the processor metrics and registers them.
func NewProcessorMetrics(registry prometheus.Registerer) (*ProcessorMetrics, error) {
	m := &ProcessorMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plex_processor_outcomes_total",
			Help: "Total number of playing event outcomes (event, duplicate, matched, published, ...)",
		}, []string{"outcome"}),
	}
	// Export every outcome from the start so rates work before the first event.
	for _, o := range processor.Outcomes {
		m.Outcomes.WithLabelValues(string(o))
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register processor metrics: %w", err)
	}
	return m, nil
}

// Observe implements processor.Recorder.
func (m *ProcessorMetrics) Observe(o processor.Outcome) {
	m.Outcomes.WithLabelValues(string(o)).Inc()
}

// Describe implements prometheus.Collector.
func (m *ProcessorMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Outcomes.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *ProcessorMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Outcomes.Collect(ch)
}
