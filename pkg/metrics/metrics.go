// Package metrics exposes pipeline counters on a private prometheus registry.
// All methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry           *prometheus.Registry
	FilesParsed        *prometheus.CounterVec
	PointsRejected     *prometheus.CounterVec
	PathsExported      *prometheus.CounterVec
	EpsilonAdjustments *prometheus.CounterVec
	Lookups            *prometheus.CounterVec
	StageSeconds       *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		Registry: reg,
		FilesParsed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kmlheatmap_files_parsed_total",
			Help: "Total number of track files processed, by outcome.",
		}, []string{"status"}),
		PointsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kmlheatmap_points_rejected_total",
			Help: "Total number of points or altitudes rejected during normalization.",
		}, []string{"reason"}),
		PathsExported: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kmlheatmap_paths_exported_total",
			Help: "Total number of paths written per resolution tier.",
		}, []string{"tier"}),
		EpsilonAdjustments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kmlheatmap_epsilon_adjustments_total",
			Help: "Total number of times a tier exceeded its point budget and was re-simplified.",
		}, []string{"tier"}),
		Lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kmlheatmap_lookups_total",
			Help: "Total number of external lookups, by service and outcome.",
		}, []string{"service", "status"}),
		StageSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kmlheatmap_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

func (m *Metrics) FileParsed(status string) {
	if m == nil {
		return
	}
	m.FilesParsed.WithLabelValues(status).Inc()
}

func (m *Metrics) PointRejected(reason string) {
	if m == nil {
		return
	}
	m.PointsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PathExported(tier string) {
	if m == nil {
		return
	}
	m.PathsExported.WithLabelValues(tier).Inc()
}

func (m *Metrics) EpsilonAdjusted(tier string) {
	if m == nil {
		return
	}
	m.EpsilonAdjustments.WithLabelValues(tier).Inc()
}

func (m *Metrics) Lookup(service, status string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(service, status).Inc()
}

// ObserveStage records the time elapsed since start for a named stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// WriteTextfile dumps all collected metrics in the text exposition format,
// suitable for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
