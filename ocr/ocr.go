// Package ocr owns the vision-language model boundary: lifecycle (lazy or
// eager loading), batched inference over page images, and the waiting
// semantics when inference is requested before the model is ready.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// instructionPrompt is the fixed per-image instruction. Output conventions:
// tables as HTML, equations as LaTeX, watermarks and page numbers wrapped in
// their tags, image captions inside <img></img>.
const instructionPrompt = `Extract the text from the above document as if you were reading it naturally. ` +
	`Return the tables in html format. Return the equations in LaTeX representation. ` +
	`If there is an image in the document and image caption is not present, add a small description ` +
	`of the image inside the <img></img> tag; otherwise, add the image caption inside <img></img>. ` +
	`Watermarks should be wrapped in brackets. Ex: <watermark>OFFICIAL COPY</watermark>. ` +
	`Page numbers should be wrapped in brackets. Ex: <page_number>14</page_number> or ` +
	`<page_number>9/22</page_number>. Prefer using ☐ and ☑ for check boxes.`

// MaxNewTokens bounds generation per page. Generous enough for dense pages;
// decoding is deterministic, so reruns produce identical text.
const MaxNewTokens = 15000

const (
	defaultLoadTimeout  = 300 * time.Second
	loadProgressPeriod  = 5 * time.Second
	loadProgressCeiling = 90
)

// ErrModelNotReady is returned when the model has not finished loading
// within the wait deadline.
var ErrModelNotReady = errors.New("model not ready")

// Progress reports batch or loading progress to the caller.
type Progress struct {
	Status  string `json:"status"` // loading | processing | completed
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// ProgressFunc receives progress callbacks. May be nil.
type ProgressFunc func(Progress)

// Result holds the recognized text for one input image.
type Result struct {
	Text string `json:"text"`
}

// Health describes the worker's model state.
type Health struct {
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}

// Engine is the model boundary. Implementations own the weights, the
// tokenizer, and the device; the worker only sequences calls.
type Engine interface {
	// Load brings the model into memory. Called at most once per process.
	Load(ctx context.Context) error
	// Generate runs inference for one image with the given instruction
	// prompt, decoding deterministically up to maxNewTokens new tokens.
	Generate(ctx context.Context, image []byte, prompt string, maxNewTokens int) (string, error)
	// Release drops device-side memory caches after a batch.
	Release(ctx context.Context)
	// Device names the compute device ("cuda", "cpu", ...).
	Device() string
}

// Worker serializes access to one model instance. Concurrent RunBatch calls
// queue on the batch mutex; parallelism belongs at the job level, not here.
// Example:
//
//	w := ocr.NewWorker(engine)
//	w.LoadInBackground() // eager, local mode
//	results, err := w.RunBatch(ctx, images, func(p ocr.Progress) { ... })
type Worker struct {
	engine Engine

	batchMu sync.Mutex // serializes inference batches

	loadMu      sync.Mutex // guards load state
	loadStarted bool
	loadErr     error
	loadDone    chan struct{}

	loadTimeout time.Duration
}

// NewWorker creates a Worker over the given engine. The model is not
// loaded until LoadInBackground or the first RunBatch.
func NewWorker(engine Engine) *Worker {
	return &Worker{
		engine:      engine,
		loadDone:    make(chan struct{}),
		loadTimeout: defaultLoadTimeout,
	}
}

// LoadInBackground starts the model load without blocking. Used in local
// mode so jobs submitted right after startup queue until the model is up.
func (w *Worker) LoadInBackground() {
	w.startLoad()
}

// startLoad begins the load exactly once.
func (w *Worker) startLoad() {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	if w.loadStarted {
		return
	}
	w.loadStarted = true

	go func() {
		start := time.Now()
		err := w.engine.Load(context.Background())

		w.loadMu.Lock()
		w.loadErr = err
		w.loadMu.Unlock()
		close(w.loadDone)

		if err != nil {
			log.Error().Err(err).Msg("model load failed")
			return
		}
		log.Info().Dur("took", time.Since(start)).Str("device", w.engine.Device()).Msg("model loaded")
	}()
}

// IsReady reports whether the model finished loading successfully.
func (w *Worker) IsReady() bool {
	select {
	case <-w.loadDone:
		w.loadMu.Lock()
		defer w.loadMu.Unlock()
		return w.loadErr == nil
	default:
		return false
	}
}

// Health returns the worker's model state.
func (w *Worker) Health() Health {
	return Health{
		ModelLoaded: w.IsReady(),
		Device:      w.engine.Device(),
	}
}

// waitReady blocks until the model is loaded, emitting loading progress
// every few seconds. The reported percentage climbs with elapsed time
// against a one-minute nominal load and saturates below 100 so it never
// claims completion.
func (w *Worker) waitReady(ctx context.Context, progress ProgressFunc) error {
	w.startLoad()

	select {
	case <-w.loadDone:
		return w.loadResult()
	default:
	}

	start := time.Now()
	deadline := time.NewTimer(w.loadTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(loadProgressPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.loadDone:
			return w.loadResult()
		case <-ticker.C:
			elapsed := time.Since(start)
			percent := int(elapsed.Seconds() / 60 * 100)
			if percent > loadProgressCeiling {
				percent = loadProgressCeiling
			}
			emit(progress, Progress{
				Status:  "loading",
				Message: fmt.Sprintf("waiting for model (%.0fs elapsed)", elapsed.Seconds()),
				Percent: percent,
			})
		case <-deadline.C:
			return fmt.Errorf("gave up after %s: %w", w.loadTimeout, ErrModelNotReady)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) loadResult() error {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	if w.loadErr != nil {
		return fmt.Errorf("model load failed: %w", w.loadErr)
	}
	return nil
}

// RunBatch runs inference over the images and returns one result per input,
// in input order. If the model is still loading, the call blocks for up to
// the load deadline. Any inference error fails the whole batch.
func (w *Worker) RunBatch(ctx context.Context, images [][]byte, progress ProgressFunc) ([]Result, error) {
	if err := w.waitReady(ctx, progress); err != nil {
		return nil, err
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	defer w.engine.Release(ctx)

	results := make([]Result, 0, len(images))
	for i, img := range images {
		text, err := w.engine.Generate(ctx, img, instructionPrompt, MaxNewTokens)
		if err != nil {
			return nil, fmt.Errorf("inference failed on image %d of %d: %w", i+1, len(images), err)
		}
		results = append(results, Result{Text: strings.TrimSpace(text)})

		emit(progress, Progress{
			Status:  "processing",
			Message: fmt.Sprintf("recognized image %d of %d", i+1, len(images)),
			Percent: (i + 1) * 100 / len(images),
		})
	}

	emit(progress, Progress{
		Status:  "completed",
		Message: fmt.Sprintf("batch of %d complete", len(images)),
		Percent: 100,
	})
	return results, nil
}

func emit(progress ProgressFunc, p Progress) {
	if progress != nil {
		progress(p)
	}
}
