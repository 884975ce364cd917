// Package job implements the job-chained batch scheduler: bounded work
// units (page-extraction batches, OCR batches) created by a manager,
// executed by a processor, and chained through continuation jobs until a
// document is fully processed. The manager dispatches identically to an
// in-process worker pool or an external HTTP task queue.
package job

import (
	"fmt"
	"time"
)

// Batch sizes bound how much work one job may do, so any worker restart
// loses at most one batch of side effects.
const (
	// ExtractPagesBatch is the page count one EXTRACT_PAGES job renders.
	ExtractPagesBatch = 10
	// OCRBatch is the page count one OCR job recognizes.
	OCRBatch = 5
)

// Type identifies what a job does. The string form is the wire format.
type Type string

const (
	// TypeExtractPages renders a batch of pages from the source document.
	TypeExtractPages Type = "extract_pages"
	// TypeOCR recognizes a batch of extracted page images.
	TypeOCR Type = "ocr"
	// TypeSliceImage normalizes a pre-sliced single image into a page.
	TypeSliceImage Type = "slice_image"
)

// ParseType validates a wire-format job type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeExtractPages, TypeOCR, TypeSliceImage:
		return Type(s), nil
	}
	return "", fmt.Errorf("invalid job type: %q", s)
}

// InputData carries the job-type-specific parameters. EXTRACT_PAGES and
// SLICE_IMAGE use Filename and StartPage; OCR uses TotalPages and
// StartPage. StartPage is 1-indexed.
type InputData struct {
	Filename   string `json:"filename,omitempty"`
	StartPage  int    `json:"start_page,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
}

// Payload is a job carried end-to-end: over the wire in remote mode, through
// the pool channel in local mode. The only durable trace of a job is the
// reference appended to the session metadata.
type Payload struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id"`
	JobType   Type      `json:"job_type"`
	InputData InputData `json:"input_data"`
	UserEmail string    `json:"user_email"`
}

// batchEnd computes the inclusive end page of a batch starting at start,
// clamped to the document's last page.
func batchEnd(start, batchSize, totalPages int) int {
	end := start + batchSize - 1
	if end > totalPages {
		end = totalPages
	}
	return end
}

// completion is what the local pool logs when a job finishes.
type completion struct {
	JobID     string        `json:"job_id"`
	JobType   Type          `json:"job_type"`
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Message   string        `json:"message"`
	Took      time.Duration `json:"took"`
}
