// Package session provides the read/write surface for a document-processing
// session: its metadata document and the derived status document. Status is
// never maintained incrementally; it is rebuilt by scanning the files the
// pipeline actually produced, so any component may crash and recover without
// corrupting user-visible state.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagemill/pagemill/storage"
)

const (
	metadataFile = "metadata.json"
	statusFile   = "status.json"

	// StageExtraction is the page-rendering stage name in status documents.
	StageExtraction = "page_extraction"
	// StageOCR is the recognition stage name in status documents.
	StageOCR = "ocr"

	// StatusProcessing marks a stage with work remaining.
	StatusProcessing = "processing"
	// StatusComplete marks a stage whose outputs all exist.
	StatusComplete = "complete"
)

var (
	pageImagePattern  = regexp.MustCompile(`^page_\d{3}\.png$`)
	pageResultPattern = regexp.MustCompile(`^page_(\d{3})\.txt$`)
)

// JobRef is the only durable trace of a job: an append-only entry in the
// session metadata.
type JobRef struct {
	JobID     string    `json:"job_id"`
	JobType   string    `json:"job_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata is the session's metadata.json document. The jobs array is
// append-only; entries are never removed or reordered.
type Metadata struct {
	SessionID string    `json:"session_id"`
	UserEmail string    `json:"user_email"`
	UserHash  string    `json:"user_hash"`
	CreatedAt time.Time `json:"created_at"`
	Jobs      []JobRef  `json:"jobs"`
}

// Stage describes progress of one pipeline stage in a status document.
type Stage struct {
	Status          string `json:"status"`
	TotalPages      int    `json:"total_pages"`
	PagesProcessed  int    `json:"pages_processed"`
	ProgressPercent int    `json:"progress_percent"`
}

// StatusDocument is the derived status.json. It may be absent or stale at
// any time and is always reconstructible from the files that remain.
type StatusDocument struct {
	SessionID string           `json:"session_id"`
	Stages    map[string]Stage `json:"stages"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store manages session metadata and derived status over a storage gateway.
// Metadata writes are serialized per session so concurrent job creations
// never lose an append.
// Example:
//
//	store := session.NewStore(gw)
//	meta, err := store.Create(ctx, "alice@example.com")
//	err = store.AppendJob(ctx, meta.SessionID, jobID, "extract_pages")
//	doc, err := store.Rebuild(ctx, meta.SessionID, 0)
type Store struct {
	store storage.Gateway

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store over the given gateway.
func NewStore(gw storage.Gateway) *Store {
	return &Store{
		store: gw,
		locks: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex guarding one session's metadata document.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[sessionID] = mu
	}
	return mu
}

// Create generates a new session bound to the user and persists its
// metadata document.
func (s *Store) Create(ctx context.Context, userEmail string) (*Metadata, error) {
	if userEmail == "" {
		userEmail = storage.AnonymousEmail
	}
	meta := &Metadata{
		SessionID: uuid.NewString(),
		UserEmail: userEmail,
		UserHash:  s.store.UserHash(),
		CreatedAt: time.Now().UTC(),
		Jobs:      []JobRef{},
	}
	if err := s.saveMetadata(ctx, meta); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", meta.SessionID).Str("user_hash", meta.UserHash).Msg("session created")
	return meta, nil
}

// Metadata loads a session's metadata document.
func (s *Store) Metadata(ctx context.Context, sessionID string) (*Metadata, error) {
	data, err := s.store.Get(ctx, metadataFile, sessionID)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", sessionID, err)
	}
	return &meta, nil
}

// AppendJob appends one job reference to the session's metadata under the
// per-session lock. Missing metadata is created on the fly so a job can be
// recorded against a session that was assembled on another worker.
func (s *Store) AppendJob(ctx context.Context, sessionID, jobID, jobType string) error {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	meta, err := s.Metadata(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		meta = &Metadata{
			SessionID: sessionID,
			UserHash:  s.store.UserHash(),
			CreatedAt: time.Now().UTC(),
		}
	} else if err != nil {
		return err
	}

	meta.Jobs = append(meta.Jobs, JobRef{
		JobID:     jobID,
		JobType:   jobType,
		CreatedAt: time.Now().UTC(),
	})
	return s.saveMetadata(ctx, meta)
}

func (s *Store) saveMetadata(ctx context.Context, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if _, err := s.store.Save(ctx, data, metadataFile, meta.SessionID); err != nil {
		return err
	}
	return nil
}

// Status returns the current status document, or storage.ErrNotFound if no
// derivation has run yet.
func (s *Store) Status(ctx context.Context, sessionID string) (*StatusDocument, error) {
	data, err := s.store.Get(ctx, statusFile, sessionID)
	if err != nil {
		return nil, err
	}
	var doc StatusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode status for %s: %w", sessionID, err)
	}
	return &doc, nil
}

// Rebuild derives the status document from the page images and OCR results
// present in storage and persists it. knownTotalPages pins the denominator
// when the caller knows the document's page count; pass 0 when the total is
// not yet known (mid-extraction), in which case the count of extracted
// pages stands in as the working total.
func (s *Store) Rebuild(ctx context.Context, sessionID string, knownTotalPages int) (*StatusDocument, error) {
	pagesExtracted, err := s.countMatching(ctx, sessionID, "pages", pageImagePattern)
	if err != nil {
		return nil, err
	}
	ocrCompleted, err := s.countMatching(ctx, sessionID, "results", pageResultPattern)
	if err != nil {
		return nil, err
	}

	doc := &StatusDocument{
		SessionID: sessionID,
		Stages:    make(map[string]Stage),
		UpdatedAt: time.Now().UTC(),
	}

	pinned := knownTotalPages > 0
	if pagesExtracted > 0 || pinned {
		total := knownTotalPages
		if total == 0 {
			total = pagesExtracted
		}
		doc.Stages[StageExtraction] = buildStage(pagesExtracted, total, pinned)
	}

	if ocrCompleted > 0 || (pagesExtracted > 0 && pinned) {
		total := knownTotalPages
		if total == 0 {
			total = pagesExtracted
		}
		doc.Stages[StageOCR] = buildStage(ocrCompleted, total, pinned)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	if _, err := s.store.Save(ctx, data, statusFile, sessionID); err != nil {
		return nil, err
	}

	log.Debug().Str("session_id", sessionID).Int("pages_extracted", pagesExtracted).
		Int("ocr_completed", ocrCompleted).Int("known_total", knownTotalPages).Msg("status rebuilt")
	return doc, nil
}

// buildStage derives one stage entry. A stage only reads complete against a
// pinned total: mid-stage, the working total is just the count of outputs
// seen so far and proves nothing about remaining work.
func buildStage(processed, total int, pinned bool) Stage {
	stage := Stage{
		Status:         StatusProcessing,
		TotalPages:     total,
		PagesProcessed: processed,
	}
	if total > 0 {
		stage.ProgressPercent = int(math.Round(float64(processed) / float64(total) * 100))
		if pinned && processed == total {
			stage.Status = StatusComplete
		}
	}
	return stage
}

// countMatching counts objects under a subfolder whose names match the
// given pattern.
func (s *Store) countMatching(ctx context.Context, sessionID, folder string, pattern *regexp.Regexp) (int, error) {
	infos, err := s.store.List(ctx, folder, sessionID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, info := range infos {
		if pattern.MatchString(info.Name) {
			count++
		}
	}
	return count, nil
}

// AggregateResults concatenates the per-page OCR texts into one Markdown
// document saved as combined_output.md. Pages whose result file is missing
// are skipped; the combined document is best-effort and regenerable.
func (s *Store) AggregateResults(ctx context.Context, sessionID string) (string, error) {
	infos, err := s.store.List(ctx, "results", sessionID)
	if err != nil {
		return "", err
	}

	var names []string
	for _, info := range infos {
		if pageResultPattern.MatchString(info.Name) {
			names = append(names, info.Name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no OCR results to aggregate for %s", sessionID)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		data, err := s.store.Get(ctx, "results/"+name, sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Str("result", name).Msg("skipping missing result")
			continue
		}
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.Write(data)
	}

	path, err := s.store.Save(ctx, []byte(b.String()), "combined_output.md", sessionID)
	if err != nil {
		return "", err
	}
	return path, nil
}

// DeleteSession removes every object under the session prefix.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	infos, err := s.store.List(ctx, "", sessionID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if _, err := s.store.Delete(ctx, info.Name, sessionID); err != nil {
			return err
		}
	}
	return nil
}
