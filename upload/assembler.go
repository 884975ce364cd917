// Package upload implements the resumable chunked-upload protocol: start a
// session, upload chunks in any order, assemble into a single object. All
// state lives in storage, so the protocol survives worker restarts and
// tolerates duplicate or out-of-order chunks.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagemill/pagemill/metrics"
	"github.com/pagemill/pagemill/storage"
)

// chunkWriteTimeout bounds how long a single chunk blob write may take.
// Exceeding it fails the call; the client retries the same chunk number.
const chunkWriteTimeout = 30 * time.Second

// ErrTimeout is returned when a chunk blob write exceeds its deadline.
// Clients should retry the same chunk.
var ErrTimeout = errors.New("chunk write timed out")

// ErrChunkOutOfRange is returned when a chunk number falls outside
// [0, total_chunks).
var ErrChunkOutOfRange = errors.New("chunk number out of range")

// chunkNamePattern matches chunk blob names relative to an upload's prefix.
var chunkNamePattern = regexp.MustCompile(`^chunk_(\d{4})\.bin$`)

// Tracker is the persistent record of one upload session. It lives at
// upload_sessions/{upload_id}.json in the shared upload staging prefix and
// is deleted after successful assembly.
type Tracker struct {
	UploadID       string       `json:"upload_id"`
	SessionID      string       `json:"session_id"`
	Filename       string       `json:"filename"`
	UserEmail      string       `json:"user_email"`
	Status         string       `json:"status"` // active | complete
	TotalSize      int64        `json:"total_size"`
	TotalChunks    int          `json:"total_chunks"`
	ChunksReceived int          `json:"chunks_received"`
	Chunks         map[int]bool `json:"chunks"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Result is the outcome of an Assemble call. Status is "complete" when the
// final object was written, or "incomplete" with the missing chunk numbers
// when assembly cannot proceed yet.
type Result struct {
	Status        string `json:"status"`
	Filename      string `json:"filename,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
}

// Assembler coordinates the three-call protocol. Operations on one
// upload_id are serialized; different uploads proceed in parallel.
// Example:
//
//	asm := upload.NewAssembler(gw, m)
//	tracker, err := asm.Start(ctx, "a.pdf", sessionID, 2048, 2, "alice@example.com")
//	_, dup, err := asm.AddChunk(ctx, tracker.UploadID, 0, chunk0)
//	result, err := asm.Assemble(ctx, tracker.UploadID)
type Assembler struct {
	store   storage.Gateway
	metrics *metrics.Metrics
	locks   *keyedMutex
}

// NewAssembler creates an Assembler over the given gateway.
func NewAssembler(store storage.Gateway, m *metrics.Metrics) *Assembler {
	return &Assembler{
		store:   store,
		metrics: m,
		locks:   newKeyedMutex(),
	}
}

// Start opens a new upload session and persists its tracker with zero
// chunks received.
func (a *Assembler) Start(ctx context.Context, filename, sessionID string, totalSize int64, totalChunks int, userEmail string) (*Tracker, error) {
	if totalChunks < 1 {
		return nil, fmt.Errorf("total chunks must be at least 1")
	}
	if totalSize < 1 {
		return nil, fmt.Errorf("total size must be positive")
	}

	now := time.Now().UTC()
	tracker := &Tracker{
		UploadID:    uuid.NewString(),
		SessionID:   sessionID,
		Filename:    filename,
		UserEmail:   userEmail,
		Status:      "active",
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		Chunks:      make(map[int]bool),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.saveTracker(ctx, tracker); err != nil {
		return nil, err
	}

	log.Info().Str("upload_id", tracker.UploadID).Str("filename", filename).
		Int("total_chunks", totalChunks).Msg("upload session started")
	return tracker, nil
}

// AddChunk records one chunk. A chunk number already present in the tracker
// is reported as a duplicate without rewriting the blob; duplicates never
// increment chunks_received. The blob write runs under the chunk deadline.
func (a *Assembler) AddChunk(ctx context.Context, uploadID string, chunkNumber int, data []byte) (*Tracker, bool, error) {
	unlock := a.locks.lock(uploadID)
	defer unlock()

	tracker, err := a.loadTracker(ctx, uploadID)
	if err != nil {
		return nil, false, err
	}

	if chunkNumber < 0 || chunkNumber >= tracker.TotalChunks {
		return nil, false, fmt.Errorf("chunk %d of %d: %w", chunkNumber, tracker.TotalChunks, ErrChunkOutOfRange)
	}

	if tracker.Chunks[chunkNumber] {
		log.Warn().Str("upload_id", uploadID).Int("chunk", chunkNumber).Msg("duplicate chunk dropped")
		return tracker, true, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, chunkWriteTimeout)
	defer cancel()
	if _, err := a.store.Save(writeCtx, data, chunkKey(uploadID, chunkNumber), storage.UploadScope); err != nil {
		if errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("chunk %d: %w", chunkNumber, ErrTimeout)
		}
		return nil, false, err
	}

	tracker.Chunks[chunkNumber] = true
	tracker.ChunksReceived++
	tracker.UpdatedAt = time.Now().UTC()
	if err := a.saveTracker(ctx, tracker); err != nil {
		return nil, false, err
	}

	// Read back to confirm the tracker round-trips; an object store that
	// serves a stale tracker here would silently lose chunks at assembly.
	verify, err := a.loadTracker(ctx, uploadID)
	if err != nil {
		return nil, false, fmt.Errorf("tracker verification failed: %w", err)
	}
	if verify.ChunksReceived != tracker.ChunksReceived {
		return nil, false, fmt.Errorf("tracker verification failed: read %d chunks, wrote %d",
			verify.ChunksReceived, tracker.ChunksReceived)
	}

	a.metrics.RecordChunkReceived()
	log.Debug().Str("upload_id", uploadID).Int("chunk", chunkNumber).
		Int("received", tracker.ChunksReceived).Int("total", tracker.TotalChunks).Msg("chunk stored")
	return tracker, false, nil
}

// Assemble finalizes the upload. Missing chunks are computed from the blobs
// actually present in storage, not from the tracker, so a tracker that ran
// ahead of a failed write cannot produce a corrupt file. On success the
// chunks and tracker are deleted and the assembled object lives under the
// session prefix.
func (a *Assembler) Assemble(ctx context.Context, uploadID string) (*Result, error) {
	unlock := a.locks.lock(uploadID)
	defer unlock()

	tracker, err := a.loadTracker(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	observed, err := a.listChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	var missing []int
	for i := 0; i < tracker.TotalChunks; i++ {
		if !observed[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		log.Warn().Str("upload_id", uploadID).Ints("missing", missing).Msg("assembly incomplete")
		return &Result{Status: "incomplete", MissingChunks: missing}, nil
	}

	r := &chunkReader{ctx: ctx, store: a.store, uploadID: uploadID, total: tracker.TotalChunks}
	if _, err := a.store.SaveStream(ctx, r, tracker.Filename, tracker.SessionID); err != nil {
		return nil, fmt.Errorf("failed to write assembled object: %w", err)
	}

	// Best-effort cleanup: the assembled object is already durable, so a
	// crash here only leaves orphan chunks for an external reaper.
	for i := 0; i < tracker.TotalChunks; i++ {
		if _, err := a.store.Delete(ctx, chunkKey(uploadID, i), storage.UploadScope); err != nil {
			log.Warn().Err(err).Str("upload_id", uploadID).Int("chunk", i).Msg("chunk cleanup failed")
		}
	}
	if _, err := a.store.Delete(ctx, trackerKey(uploadID), storage.UploadScope); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("tracker cleanup failed")
	}

	a.metrics.RecordUploadAssembled()
	log.Info().Str("upload_id", uploadID).Str("filename", tracker.Filename).
		Str("session_id", tracker.SessionID).Msg("upload assembled")
	return &Result{Status: "complete", Filename: tracker.Filename, SessionID: tracker.SessionID}, nil
}

// Tracker returns the current tracker for an upload, or
// storage.ErrNotFound if the session does not exist (or was assembled).
func (a *Assembler) Tracker(ctx context.Context, uploadID string) (*Tracker, error) {
	return a.loadTracker(ctx, uploadID)
}

// listChunks returns the set of chunk numbers whose blobs are present.
func (a *Assembler) listChunks(ctx context.Context, uploadID string) (map[int]bool, error) {
	infos, err := a.store.List(ctx, "upload_chunks/"+uploadID, storage.UploadScope)
	if err != nil {
		return nil, err
	}
	observed := make(map[int]bool, len(infos))
	for _, info := range infos {
		m := chunkNamePattern.FindStringSubmatch(info.Name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		observed[n] = true
	}
	return observed, nil
}

func (a *Assembler) loadTracker(ctx context.Context, uploadID string) (*Tracker, error) {
	data, err := a.store.Get(ctx, trackerKey(uploadID), storage.UploadScope)
	if err != nil {
		return nil, err
	}
	var tracker Tracker
	if err := json.Unmarshal(data, &tracker); err != nil {
		return nil, fmt.Errorf("failed to decode tracker %s: %w", uploadID, err)
	}
	if tracker.Chunks == nil {
		tracker.Chunks = make(map[int]bool)
	}
	return &tracker, nil
}

func (a *Assembler) saveTracker(ctx context.Context, tracker *Tracker) error {
	data, err := json.Marshal(tracker)
	if err != nil {
		return fmt.Errorf("failed to encode tracker: %w", err)
	}
	if _, err := a.store.Save(ctx, data, trackerKey(tracker.UploadID), storage.UploadScope); err != nil {
		return err
	}
	return nil
}

func trackerKey(uploadID string) string {
	return fmt.Sprintf("upload_sessions/%s.json", uploadID)
}

func chunkKey(uploadID string, chunkNumber int) string {
	return fmt.Sprintf("upload_chunks/%s/chunk_%04d.bin", uploadID, chunkNumber)
}

// chunkReader streams chunk blobs in ascending order as one reader, so
// assembly never holds more than a single chunk in memory.
type chunkReader struct {
	ctx      context.Context
	store    storage.Gateway
	uploadID string
	total    int
	next     int
	buf      []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= r.total {
			return 0, io.EOF
		}
		data, err := r.store.Get(r.ctx, chunkKey(r.uploadID, r.next), storage.UploadScope)
		if err != nil {
			return 0, fmt.Errorf("failed to read chunk %d: %w", r.next, err)
		}
		r.buf = data
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
