// Package metrics exposes transcode job telemetry as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	reg *prometheus.Registry

	// Job metrics
	ActiveJobs   prometheus.Gauge
	JobsFinished *prometheus.CounterVec
	JobDuration  prometheus.Histogram
	Progress     *prometheus.GaugeVec
	FrameRate    *prometheus.GaugeVec

	// Reader metrics
	ChunksRead    *prometheus.CounterVec
	ChunksCorrupt *prometheus.CounterVec
	ClockEpochs   *prometheus.CounterVec

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// Muxer metrics
	MuxBytes    *prometheus.CounterVec
	MuxFrames   *prometheus.CounterVec
	MuxBuffered *prometheus.GaugeVec
	MuxForced   *prometheus.CounterVec

	// Pacer metrics
	PacerFrames *prometheus.CounterVec
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,

		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "reel_active_jobs",
			Help: "Number of running transcode jobs",
		}),
		JobsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_jobs_finished_total",
				Help: "Finished jobs by final status",
			},
			[]string{"status"},
		),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reel_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		}),
		Progress: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reel_job_progress_ratio",
				Help: "Fraction of the input consumed",
			},
			[]string{"job"},
		),
		FrameRate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reel_job_frames_per_second",
				Help: "Video frames muxed per second over the last report interval",
			},
			[]string{"job"},
		),

		ChunksRead: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_reader_chunks_total",
				Help: "Source chunks read",
			},
			[]string{"job"},
		),
		ChunksCorrupt: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_reader_corrupt_chunks_total",
				Help: "Source chunks skipped as corrupt",
			},
			[]string{"job"},
		),
		ClockEpochs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_reader_clock_epochs_total",
				Help: "Clock discontinuities corrected by the reader",
			},
			[]string{"job"},
		),

		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reel_queue_depth",
				Help: "Buffers waiting in an inter-stage queue",
			},
			[]string{"job", "queue"},
		),

		MuxBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_mux_bytes_total",
				Help: "Payload bytes written to the container per track",
			},
			[]string{"job", "track"},
		),
		MuxFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_mux_frames_total",
				Help: "Buffers written to the container per track",
			},
			[]string{"job", "track"},
		),
		MuxBuffered: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reel_mux_buffered_bytes",
				Help: "Bytes held by the muxer awaiting interleave",
			},
			[]string{"job"},
		),
		MuxForced: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_mux_forced_advances_total",
				Help: "Interleave steps forced by the high-water mark",
			},
			[]string{"job"},
		),

		PacerFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_pacer_frames_total",
				Help: "Frames handled by the frame-rate pacer by result",
			},
			[]string{"job", "result"}, // result: emitted, dropped, duplicated, invalid
		),
	}
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RecordJobStart records a job starting
func (m *Metrics) RecordJobStart() {
	m.ActiveJobs.Inc()
}

// RecordJobEnd records a job finishing with status after durationSeconds
// and removes its per-job series.
func (m *Metrics) RecordJobEnd(job, status string, durationSeconds float64) {
	m.ActiveJobs.Dec()
	m.JobsFinished.WithLabelValues(status).Inc()
	m.JobDuration.Observe(durationSeconds)

	labels := prometheus.Labels{"job": job}
	for _, v := range []*prometheus.GaugeVec{m.Progress, m.FrameRate, m.QueueDepth, m.MuxBuffered} {
		v.DeletePartialMatch(labels)
	}
	for _, v := range []*prometheus.CounterVec{m.ChunksRead, m.ChunksCorrupt, m.ClockEpochs, m.MuxBytes, m.MuxFrames, m.MuxForced, m.PacerFrames} {
		v.DeletePartialMatch(labels)
	}
}

// RecordProgress records the progress tuple of a job.
func (m *Metrics) RecordProgress(job string, progress, rate float64) {
	m.Progress.WithLabelValues(job).Set(progress)
	m.FrameRate.WithLabelValues(job).Set(rate)
}

// RecordReader adds reader counter deltas.
func (m *Metrics) RecordReader(job string, chunks, corrupt, epochs int64) {
	addCount(m.ChunksRead.WithLabelValues(job), chunks)
	addCount(m.ChunksCorrupt.WithLabelValues(job), corrupt)
	addCount(m.ClockEpochs.WithLabelValues(job), epochs)
}

// RecordQueue records the depth of one named queue.
func (m *Metrics) RecordQueue(job, queue string, depth int) {
	m.QueueDepth.WithLabelValues(job, queue).Set(float64(depth))
}

// RecordMuxTrack adds per-track muxer counter deltas.
func (m *Metrics) RecordMuxTrack(job, track string, frames, bytes int64) {
	addCount(m.MuxFrames.WithLabelValues(job, track), frames)
	addCount(m.MuxBytes.WithLabelValues(job, track), bytes)
}

// RecordMux records muxer occupancy and adds the forced advance delta.
func (m *Metrics) RecordMux(job string, buffered, forced int64) {
	m.MuxBuffered.WithLabelValues(job).Set(float64(buffered))
	addCount(m.MuxForced.WithLabelValues(job), forced)
}

// RecordPacer adds pacer counter deltas.
func (m *Metrics) RecordPacer(job string, emitted, dropped, duplicated, invalid int64) {
	addCount(m.PacerFrames.WithLabelValues(job, "emitted"), emitted)
	addCount(m.PacerFrames.WithLabelValues(job, "dropped"), dropped)
	addCount(m.PacerFrames.WithLabelValues(job, "duplicated"), duplicated)
	addCount(m.PacerFrames.WithLabelValues(job, "invalid"), invalid)
}

// addCount adds a non-negative delta. Counters never go down.
func addCount(c prometheus.Counter, delta int64) {
	if delta > 0 {
		c.Add(float64(delta))
	}
}
