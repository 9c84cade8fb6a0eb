package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/repo-indexer/internal/progress"
)

// PrometheusSink exports job and document metrics.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   *prometheus.GaugeVec
	jobRuntime    *prometheus.HistogramVec

	docsIndexed   *prometheus.CounterVec
	docBytes      *prometheus.CounterVec
	docsRendered  *prometheus.CounterVec
	renderLatency prometheus.Histogram

	mu      sync.Mutex
	running map[string]string
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_jobs_started_total",
			Help: "Jobs picked up by workers, by queue.",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_jobs_completed_total",
			Help: "Jobs completed, by queue and result.",
		}, []string{"queue", "result"}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_jobs_running",
			Help: "Jobs currently running, by queue.",
		}, []string{"queue"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"queue", "result"}),
		docsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_documents_indexed_total",
			Help: "Documents upserted, by repository host and content kind.",
		}, []string{"host", "kind"}),
		docBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_document_bytes_total",
			Help: "Indexed content bytes, by repository host.",
		}, []string{"host"}),
		docsRendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_documents_rendered_total",
			Help: "PDF renditions attached, by repository host.",
		}, []string{"host"}),
		renderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_render_duration_seconds",
			Help:    "PDF rendering latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		running: make(map[string]string),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.docsIndexed,
		s.docBytes,
		s.docsRendered,
		s.renderLatency,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.WithLabelValues(evt.Queue).Inc()
			if s.track(evt.JobID, evt.Queue) {
				s.jobsRunning.WithLabelValues(evt.Queue).Inc()
			}
		case progress.StageJobDone:
			s.complete(evt, "success")
		case progress.StageJobError:
			s.complete(evt, "error")
		case progress.StageDocIndexed:
			kind := evt.Kind
			if kind == "" {
				kind = "text"
			}
			s.docsIndexed.WithLabelValues(evt.Host, kind).Inc()
			if evt.Bytes > 0 {
				s.docBytes.WithLabelValues(evt.Host).Add(float64(evt.Bytes))
			}
		case progress.StageDocRendered:
			s.docsRendered.WithLabelValues(evt.Host).Inc()
			if evt.Dur > 0 {
				s.renderLatency.Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) complete(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(evt.Queue, result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(evt.Queue, result).Observe(evt.Dur.Seconds())
	}
	if queue, ok := s.untrack(evt.JobID); ok {
		s.jobsRunning.WithLabelValues(queue).Dec()
	}
}

func (s *PrometheusSink) track(jobID, queue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return false
	}
	s.running[jobID] = queue
	return true
}

func (s *PrometheusSink) untrack(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.running[jobID]
	delete(s.running, jobID)
	return queue, ok
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
