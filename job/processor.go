package job

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pagemill/pagemill/metrics"
	"github.com/pagemill/pagemill/ocr"
	"github.com/pagemill/pagemill/render"
	"github.com/pagemill/pagemill/session"
	"github.com/pagemill/pagemill/storage"
)

// JobProcessor converts a job payload into storage side effects and, when
// work remains, a continuation job. It is the sole origin of follow-up
// jobs; the manager is re-entered via CreateJob from inside a running job.
//
// All side effects are idempotent: outputs are keyed by page number, so
// re-running a batch overwrites the same files.
type JobProcessor struct {
	store    storage.Gateway
	sessions *session.Store
	worker   *ocr.Worker
	manager  *Manager
	metrics  *metrics.Metrics
}

// NewProcessor creates a processor wired to its collaborators.
func NewProcessor(store storage.Gateway, sessions *session.Store, worker *ocr.Worker, manager *Manager, m *metrics.Metrics) *JobProcessor {
	return &JobProcessor{
		store:    store,
		sessions: sessions,
		worker:   worker,
		manager:  manager,
		metrics:  m,
	}
}

// Compile-time interface check
var _ Processor = (*JobProcessor)(nil)

// ProcessJob executes one job. An error return means the job failed before
// creating its continuation; the chain stops and an operator (or the
// external queue's retry) decides what happens next.
func (p *JobProcessor) ProcessJob(ctx context.Context, payload Payload) error {
	log.Info().Str("job_id", payload.JobID).Str("job_type", string(payload.JobType)).Msg("processing job")

	switch payload.JobType {
	case TypeExtractPages:
		return p.handleExtractPages(ctx, payload)
	case TypeOCR:
		return p.handleOCR(ctx, payload)
	case TypeSliceImage:
		return p.handleSliceImage(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %q", payload.JobType)
	}
}

// handleExtractPages renders one batch of pages from the source document.
// If pages remain it creates the next EXTRACT_PAGES job; after the last
// batch it pins the total page count into the status document and starts
// the OCR chain.
func (p *JobProcessor) handleExtractPages(ctx context.Context, payload Payload) error {
	sessionID := payload.SessionID
	filename := payload.InputData.Filename
	startPage := payload.InputData.StartPage
	if startPage < 1 {
		startPage = 1
	}

	data, err := p.store.Get(ctx, filename, sessionID)
	if err != nil {
		p.metrics.RecordError()
		return fmt.Errorf("failed to load source document %s: %w", filename, err)
	}

	totalPages, err := render.PageCount(data, filename)
	if err != nil {
		p.metrics.RecordError()
		return err
	}

	endPage := batchEnd(startPage, ExtractPagesBatch, totalPages)
	log.Info().Str("job_id", payload.JobID).Int("start", startPage).Int("end", endPage).
		Int("total", totalPages).Msg("extracting pages")

	pages, err := render.Pages(data, startPage, endPage)
	if err != nil {
		p.metrics.RecordError()
		return err
	}

	for i, pngBytes := range pages {
		pageNum := startPage + i
		name := pageImageName(pageNum)
		if _, err := p.store.Save(ctx, pngBytes, name, sessionID); err != nil {
			p.metrics.RecordError()
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
		p.metrics.RecordPageExtracted()

		percent := 50 + int(math.Round(float64(i+1)/float64(len(pages))*50))
		log.Debug().Str("job_id", payload.JobID).Int("page", pageNum).Int("percent", percent).Msg("page saved")
	}

	if endPage < totalPages {
		if _, err := p.sessions.Rebuild(ctx, sessionID, 0); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("status rebuild failed")
		}
		_, err := p.manager.CreateJob(ctx, sessionID, TypeExtractPages, InputData{
			Filename:  filename,
			StartPage: endPage + 1,
		}, payload.UserEmail)
		if err != nil {
			return fmt.Errorf("failed to create continuation job: %w", err)
		}
		return nil
	}

	// Last batch: pin the total so the status document stops deriving it
	// from the extracted count, then hand off to the OCR chain.
	if _, err := p.sessions.Rebuild(ctx, sessionID, totalPages); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("status rebuild failed")
	}
	log.Info().Str("session_id", sessionID).Int("total_pages", totalPages).Msg("extraction complete")

	_, err = p.manager.CreateJob(ctx, sessionID, TypeOCR, InputData{
		TotalPages: totalPages,
		StartPage:  1,
	}, payload.UserEmail)
	if err != nil {
		return fmt.Errorf("failed to create OCR job: %w", err)
	}
	return nil
}

// handleOCR recognizes one batch of extracted pages. Pages whose image is
// missing are skipped and logged; their result file is never written, so
// the derived status keeps the stage processing until someone re-extracts.
func (p *JobProcessor) handleOCR(ctx context.Context, payload Payload) error {
	sessionID := payload.SessionID
	totalPages := payload.InputData.TotalPages
	if totalPages < 1 {
		return fmt.Errorf("OCR job missing total_pages")
	}
	startPage := payload.InputData.StartPage
	if startPage < 1 {
		startPage = 1
	}
	endPage := batchEnd(startPage, OCRBatch, totalPages)

	log.Info().Str("job_id", payload.JobID).Int("start", startPage).Int("end", endPage).
		Int("total", totalPages).Msg("running OCR batch")

	pageNums, images, err := p.loadPageImages(ctx, sessionID, startPage, endPage)
	if err != nil {
		p.metrics.RecordError()
		return err
	}

	if len(images) > 0 {
		progress := func(pr ocr.Progress) {
			log.Info().Str("job_id", payload.JobID).Str("status", pr.Status).
				Int("percent", pr.Percent).Msg(pr.Message)
			if pr.Status == "completed" || pr.Percent == 100 {
				if _, err := p.sessions.Rebuild(ctx, sessionID, totalPages); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("status rebuild failed")
				}
			}
		}

		results, err := p.worker.RunBatch(ctx, images, progress)
		if err != nil {
			p.metrics.RecordError()
			return fmt.Errorf("OCR batch %d-%d failed: %w", startPage, endPage, err)
		}

		if err := p.savePageResults(ctx, sessionID, pageNums, results); err != nil {
			p.metrics.RecordError()
			return err
		}
	}

	if _, err := p.sessions.Rebuild(ctx, sessionID, totalPages); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("status rebuild failed")
	}

	if endPage < totalPages {
		_, err := p.manager.CreateJob(ctx, sessionID, TypeOCR, InputData{
			TotalPages: totalPages,
			StartPage:  endPage + 1,
		}, payload.UserEmail)
		if err != nil {
			return fmt.Errorf("failed to create continuation job: %w", err)
		}
		return nil
	}

	// Final batch: the combined document is a convenience artifact and
	// regenerable, so failure to build it does not fail the job.
	if _, err := p.sessions.AggregateResults(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("result aggregation failed")
	}
	log.Info().Str("session_id", sessionID).Int("total_pages", totalPages).Msg("OCR complete")
	return nil
}

// loadPageImages fetches the page images for the batch concurrently,
// preserving page order. A missing image is skipped; any other storage
// failure is fatal for the batch.
func (p *JobProcessor) loadPageImages(ctx context.Context, sessionID string, startPage, endPage int) ([]int, [][]byte, error) {
	count := endPage - startPage + 1
	loaded := make([][]byte, count)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			pageNum := startPage + i
			data, err := p.store.Get(gctx, pageImageName(pageNum), sessionID)
			if errors.Is(err, storage.ErrNotFound) {
				log.Error().Str("session_id", sessionID).Int("page", pageNum).Msg("page image missing, skipping")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load page %d: %w", pageNum, err)
			}
			loaded[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var pageNums []int
	var images [][]byte
	for i, data := range loaded {
		if data == nil {
			continue
		}
		pageNums = append(pageNums, startPage+i)
		images = append(images, data)
	}
	return pageNums, images, nil
}

// savePageResults writes one result file per recognized page, concurrently.
// Results map back to page numbers by position in the input list.
func (p *JobProcessor) savePageResults(ctx context.Context, sessionID string, pageNums []int, results []ocr.Result) error {
	if len(results) != len(pageNums) {
		return fmt.Errorf("result count %d does not match page count %d", len(results), len(pageNums))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		g.Go(func() error {
			name := pageResultName(pageNums[i])
			if _, err := p.store.Save(gctx, []byte(results[i].Text), name, sessionID); err != nil {
				return fmt.Errorf("failed to save %s: %w", name, err)
			}
			p.metrics.RecordPageOCR()
			return nil
		})
	}
	return g.Wait()
}

// handleSliceImage treats a pre-sliced (or single) image as a one-page
// document: it is rasterized to the standard page key and handed to the
// OCR chain with a pinned total of one.
func (p *JobProcessor) handleSliceImage(ctx context.Context, payload Payload) error {
	sessionID := payload.SessionID
	filename := payload.InputData.Filename

	data, err := p.store.Get(ctx, filename, sessionID)
	if err != nil {
		p.metrics.RecordError()
		return fmt.Errorf("failed to load source image %s: %w", filename, err)
	}

	pages, err := render.Pages(data, 1, 1)
	if err != nil {
		p.metrics.RecordError()
		return err
	}
	if _, err := p.store.Save(ctx, pages[0], pageImageName(1), sessionID); err != nil {
		p.metrics.RecordError()
		return fmt.Errorf("failed to save page image: %w", err)
	}
	p.metrics.RecordPageExtracted()

	if _, err := p.sessions.Rebuild(ctx, sessionID, 1); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("status rebuild failed")
	}

	_, err = p.manager.CreateJob(ctx, sessionID, TypeOCR, InputData{
		TotalPages: 1,
		StartPage:  1,
	}, payload.UserEmail)
	if err != nil {
		return fmt.Errorf("failed to create OCR job: %w", err)
	}
	return nil
}

func pageImageName(page int) string {
	return fmt.Sprintf("pages/page_%03d.png", page)
}

func pageResultName(page int) string {
	return fmt.Sprintf("results/page_%03d.txt", page)
}
