// Package metrics collects counters for the processing pipeline and
// generates the operational report. Counters are mirrored to Prometheus
// collectors so deployments can scrape /metrics.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters. It uses atomic operations for
// thread-safe updates from concurrent jobs.
type Metrics struct {
	mu sync.RWMutex

	chunksReceived   int64 // Upload chunks accepted
	uploadsAssembled int64 // Uploads finalized into a source document
	pagesExtracted   int64 // Page images written
	pagesOCRd        int64 // OCR result files written
	jobsCompleted    int64 // Jobs that ran to completion
	jobsFailed       int64 // Jobs that aborted with an error
	errors           int64 // Storage or inference errors observed

	processingTime time.Duration // Total time spent inside jobs
	startTime      time.Time     // When the process started
}

// promCounters mirrors the atomic counters into the default Prometheus
// registry. Registered once per process.
type promCounters struct {
	chunksReceived   prometheus.Counter
	uploadsAssembled prometheus.Counter
	pagesExtracted   prometheus.Counter
	pagesOCRd        prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsFailed       prometheus.Counter
	errors           prometheus.Counter
}

var (
	promOnce sync.Once
	prom     *promCounters
)

func promRegister() *promCounters {
	promOnce.Do(func() {
		prom = &promCounters{
			chunksReceived:   promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_chunks_received_total", Help: "Upload chunks accepted."}),
			uploadsAssembled: promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_uploads_assembled_total", Help: "Uploads finalized into a source document."}),
			pagesExtracted:   promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_pages_extracted_total", Help: "Page images written."}),
			pagesOCRd:        promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_pages_ocr_total", Help: "OCR result files written."}),
			jobsCompleted:    promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_jobs_completed_total", Help: "Jobs that ran to completion."}),
			jobsFailed:       promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_jobs_failed_total", Help: "Jobs that aborted with an error."}),
			errors:           promauto.NewCounter(prometheus.CounterOpts{Name: "pagemill_errors_total", Help: "Storage or inference errors observed."}),
		}
	})
	return prom
}

// NewMetrics creates a new Metrics instance with initialized counters
func NewMetrics() *Metrics {
	promRegister()
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordChunkReceived increments the accepted chunk counter
func (m *Metrics) RecordChunkReceived() {
	atomic.AddInt64(&m.chunksReceived, 1)
	promRegister().chunksReceived.Inc()
}

// RecordUploadAssembled increments the assembled upload counter
func (m *Metrics) RecordUploadAssembled() {
	atomic.AddInt64(&m.uploadsAssembled, 1)
	promRegister().uploadsAssembled.Inc()
}

// RecordPageExtracted increments the extracted page counter
func (m *Metrics) RecordPageExtracted() {
	atomic.AddInt64(&m.pagesExtracted, 1)
	promRegister().pagesExtracted.Inc()
}

// RecordPageOCR increments the OCR result counter
func (m *Metrics) RecordPageOCR() {
	atomic.AddInt64(&m.pagesOCRd, 1)
	promRegister().pagesOCRd.Inc()
}

// RecordJobCompleted increments the completed job counter
func (m *Metrics) RecordJobCompleted() {
	atomic.AddInt64(&m.jobsCompleted, 1)
	promRegister().jobsCompleted.Inc()
}

// RecordJobFailed increments the failed job counter
func (m *Metrics) RecordJobFailed() {
	atomic.AddInt64(&m.jobsFailed, 1)
	promRegister().jobsFailed.Inc()
}

// RecordError increments the errors counter
func (m *Metrics) RecordError() {
	atomic.AddInt64(&m.errors, 1)
	promRegister().errors.Inc()
}

// RecordProcessingTime records the time one job spent executing
func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTime += d
}

// Report contains an operational snapshot of the pipeline counters,
// ready for JSON output.
type Report struct {
	StartTime        time.Time     `json:"startTime"`        // When the process started
	EndTime          time.Time     `json:"endTime"`          // When the report was generated
	ChunksReceived   int64         `json:"chunksReceived"`   // Upload chunks accepted
	UploadsAssembled int64         `json:"uploadsAssembled"` // Uploads finalized
	PagesExtracted   int64         `json:"pagesExtracted"`   // Page images written
	PagesOCRd        int64         `json:"pagesOcr"`         // OCR result files written
	JobsCompleted    int64         `json:"jobsCompleted"`    // Jobs completed
	JobsFailed       int64         `json:"jobsFailed"`       // Jobs failed
	Errors           int64         `json:"errors"`           // Errors observed
	Duration         time.Duration `json:"duration"`         // Uptime covered by the report
	PagesPerSecond   float64       `json:"pagesPerSecond"`   // OCR throughput
}

// GenerateReport snapshots the counters into a Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	var throughput float64
	if duration > 0 {
		throughput = float64(atomic.LoadInt64(&m.pagesOCRd)) / duration.Seconds()
	}

	return Report{
		StartTime:        m.startTime,
		EndTime:          endTime,
		ChunksReceived:   atomic.LoadInt64(&m.chunksReceived),
		UploadsAssembled: atomic.LoadInt64(&m.uploadsAssembled),
		PagesExtracted:   atomic.LoadInt64(&m.pagesExtracted),
		PagesOCRd:        atomic.LoadInt64(&m.pagesOCRd),
		JobsCompleted:    atomic.LoadInt64(&m.jobsCompleted),
		JobsFailed:       atomic.LoadInt64(&m.jobsFailed),
		Errors:           atomic.LoadInt64(&m.errors),
		Duration:         duration,
		PagesPerSecond:   throughput,
	}
}

// MarshalJSON implements json.Marshaler to render the duration in a
// human-readable form.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable representation of the report.
func (r Report) String() string {
	return fmt.Sprintf(
		"Uptime %s\n"+
			"Uploads assembled: %d (%d chunks)\n"+
			"Pages extracted: %d\n"+
			"Pages OCR'd: %d (%.2f pages/sec)\n"+
			"Jobs: %d completed, %d failed\n"+
			"Errors: %d",
		r.Duration,
		r.UploadsAssembled,
		r.ChunksReceived,
		r.PagesExtracted,
		r.PagesOCRd,
		r.PagesPerSecond,
		r.JobsCompleted,
		r.JobsFailed,
		r.Errors,
	)
}
