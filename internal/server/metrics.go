package server

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "drop"

// recordCountTimeout bounds the metadata query made on each scrape.
const recordCountTimeout = 2 * time.Second

// Metrics is a prometheus.Collector for the transfer routes.
type Metrics struct {
	info     *prometheus.GaugeVec
	requests *prometheus.CounterVec
	uptime   prometheus.CounterFunc

	uploads          prometheus.Counter
	uploadBytes      prometheus.Counter
	uploadRejected   prometheus.Counter
	uploadErrors     prometheus.Counter
	uploadDuration   prometheus.Histogram
	downloads        prometheus.Counter
	downloadBytes    prometheus.Counter
	downloadMisses   prometheus.Counter
	downloadErrors   prometheus.Counter
	downloadDuration prometheus.Histogram

	// owners and files are read from the metadata store at scrape time.
	records MetadataProbe
	owners  *prometheus.Desc
	files   *prometheus.Desc
}

// NewMetrics returns a Collector reporting build info, uptime since
// started and record counts from records.
func NewMetrics(build BuildInfo, records MetadataProbe, clk clock.Clock, started time.Time) *Metrics {
	m := &Metrics{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "info",
			Help:      "Application version info.",
		}, []string{"version", "commit"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests by status class.",
		}, []string{"code"}),
		uptime: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds.",
		}, func() float64 {
			return clk.Now().Sub(started).Seconds()
		}),

		uploads:        newCounter("uploads_total", "Completed uploads."),
		uploadBytes:    newCounter("upload_bytes_total", "Bytes received by completed uploads."),
		uploadRejected: newCounter("upload_rejected_total", "Uploads refused before storing anything."),
		uploadErrors:   newCounter("upload_errors_total", "Uploads that failed in storage."),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upload_duration_seconds",
			Help:      "Time taken by completed uploads.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		}),
		downloads:      newCounter("downloads_total", "Completed downloads."),
		downloadBytes:  newCounter("download_bytes_total", "Bytes sent by completed downloads."),
		downloadMisses: newCounter("download_misses_total", "Downloads for unknown keys or missing files."),
		downloadErrors: newCounter("download_errors_total", "Downloads that failed in storage."),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "download_duration_seconds",
			Help:      "Time taken by completed downloads.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		}),

		records: records,
		owners: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "owners"),
			"Access keys issued.", nil, nil),
		files: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "files"),
			"File records stored.", nil, nil),
	}
	m.info.WithLabelValues(build.Version, build.Commit).Set(1)
	return m
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.info, m.requests, m.uptime,
		m.uploads, m.uploadBytes, m.uploadRejected, m.uploadErrors, m.uploadDuration,
		m.downloads, m.downloadBytes, m.downloadMisses, m.downloadErrors, m.downloadDuration,
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
	ch <- m.owners
	ch <- m.files
}

// Collect is part of the prometheus.Collector interface. The record
// gauges are left out when the metadata store cannot be counted.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordCountTimeout)
	defer cancel()
	counts, err := m.records.Counts(ctx)
	if err != nil {
		logger.Warningf("metrics: counting records: %v", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(m.owners, prometheus.GaugeValue, float64(counts.Owners))
	ch <- prometheus.MustNewConstMetric(m.files, prometheus.GaugeValue, float64(counts.Files))
}

// RecordUpload records a successful upload.
func (m *Metrics) RecordUpload(bytes int64, duration time.Duration) {
	m.uploads.Inc()
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(duration.Seconds())
}

// RecordUploadRejected records an upload refused before anything was stored.
func (m *Metrics) RecordUploadRejected() {
	m.uploadRejected.Inc()
}

func (m *Metrics) RecordUploadError() {
	m.uploadErrors.Inc()
}

// RecordDownload records a successful download.
func (m *Metrics) RecordDownload(bytes int64, duration time.Duration) {
	m.downloads.Inc()
	m.downloadBytes.Add(float64(bytes))
	m.downloadDuration.Observe(duration.Seconds())
}

// RecordDownloadMiss records a download for an unknown key or missing file.
func (m *Metrics) RecordDownloadMiss() {
	m.downloadMisses.Inc()
}

func (m *Metrics) RecordDownloadError() {
	m.downloadErrors.Inc()
}

// RecordRequest counts an HTTP response under its status class.
func (m *Metrics) RecordRequest(statusCode int) {
	m.requests.WithLabelValues(statusClass(statusCode)).Inc()
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}
