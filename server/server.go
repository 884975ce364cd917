// Package server exposes the dispatch API: the upload protocol, job
// creation, status polling, file serving, and the worker callback used by
// the external task queue in cloud mode.
package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pagemill/pagemill/config"
	"github.com/pagemill/pagemill/core"
	"github.com/pagemill/pagemill/job"
	"github.com/pagemill/pagemill/storage"
	"github.com/pagemill/pagemill/upload"
)

// userHeader carries the caller-supplied identity. Authentication proper
// is an upstream concern; the pipeline only needs a partitioning key.
const userHeader = "X-User-Email"

// chunkNumberHeader carries the chunk index on chunk uploads.
const chunkNumberHeader = "X-Chunk-Number"

// Server routes dispatch-API requests to the core.
// Example:
//
//	srv := server.New(c)
//	http.ListenAndServe(cfg.ListenAddr, srv)
type Server struct {
	core   *core.Core
	router chi.Router
}

// New builds the router over the core.
func New(c *core.Core) *Server {
	s := &Server{core: c}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/upload/start", s.handleUploadStart)
	r.Post("/upload/chunk/{uploadID}", s.handleUploadChunk)
	r.Post("/upload/assemble/{uploadID}", s.handleUploadAssemble)

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/sessions/{sessionID}/status", s.handleSessionStatus)
	r.Post("/sessions/{sessionID}/status/rebuild", s.handleRebuildStatus)

	r.Get("/storage/{userHash}/{sessionID}/*", s.handleServeFile)

	r.Post("/worker/process-job", s.handleWorkerCallback)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func userEmail(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.core.OCRWorker().Health(),
	})
}

type uploadStartRequest struct {
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int    `json:"total_chunks"`
}

type uploadStartResponse struct {
	UploadID    string `json:"upload_id"`
	SessionID   string `json:"session_id"`
	TotalChunks int    `json:"total_chunks"`
}

// handleUploadStart validates the declared file, creates the session that
// will own it, and opens the upload tracker.
func (s *Server) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	var req uploadStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Filename == "" || req.TotalSize < 1 || req.TotalChunks < 1 {
		writeError(w, http.StatusBadRequest, "filename, total_size and total_chunks are required")
		return
	}
	if !config.ExtensionAllowed(req.Filename) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", path.Ext(req.Filename)))
		return
	}
	if req.TotalSize > s.core.Config().MaxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")
		return
	}

	us, err := s.core.ForUser(userEmail(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	meta, err := us.Sessions.Create(r.Context(), us.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tracker, err := us.Uploads.Start(r.Context(), path.Base(req.Filename), meta.SessionID, req.TotalSize, req.TotalChunks, us.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, uploadStartResponse{
		UploadID:    tracker.UploadID,
		SessionID:   tracker.SessionID,
		TotalChunks: tracker.TotalChunks,
	})
}

type uploadChunkResponse struct {
	Status         string `json:"status"` // received | duplicate
	ChunksReceived int    `json:"chunks_received"`
	TotalChunks    int    `json:"total_chunks"`
}

// handleUploadChunk accepts one chunk as a multipart body with the chunk
// number in a header. Duplicates succeed with a duplicate flag.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	chunkNumber, err := strconv.Atoi(r.Header.Get(chunkNumberHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid "+chunkNumberHeader+" header")
		return
	}

	data, err := readChunkBody(r, s.core.Config().MaxFileSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	us, err := s.core.ForUser(userEmail(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tracker, duplicate, err := us.Uploads.AddChunk(r.Context(), uploadID, chunkNumber, data)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	case errors.Is(err, upload.ErrChunkOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, upload.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "storage operation timed out, retry this chunk")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := "received"
	if duplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, uploadChunkResponse{
		Status:         status,
		ChunksReceived: tracker.ChunksReceived,
		TotalChunks:    tracker.TotalChunks,
	})
}

// readChunkBody extracts the chunk bytes from a multipart form (field
// "chunk", falling back to the first file part) or a raw body.
func readChunkBody(r *http.Request, limit int64) ([]byte, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		file, _, err := r.FormFile("chunk")
		if err != nil {
			// Accept any single file part regardless of field name
			for _, headers := range r.MultipartForm.File {
				if len(headers) == 0 {
					continue
				}
				f, err := headers[0].Open()
				if err != nil {
					return nil, err
				}
				defer func() { _ = f.Close() }()
				return io.ReadAll(io.LimitReader(f, limit))
			}
			return nil, fmt.Errorf("multipart body has no file part")
		}
		defer func() { _ = file.Close() }()
		return io.ReadAll(io.LimitReader(file, limit))
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty chunk body")
	}
	return data, nil
}

// handleUploadAssemble finalizes an upload. An incomplete upload is not an
// error: the response names exactly the chunks to resend.
func (s *Server) handleUploadAssemble(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	us, err := s.core.ForUser(userEmail(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := us.Uploads.Assemble(r.Context(), uploadID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type createJobRequest struct {
	SessionID string        `json:"session_id"`
	JobType   string        `json:"job_type"`
	InputData job.InputData `json:"input_data"`
}

type createJobResponse struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	jobType, err := job.ParseType(req.JobType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	us, err := s.core.ForUser(userEmail(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobID, err := us.Manager.CreateJob(r.Context(), req.SessionID, jobType, req.InputData, us.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, createJobResponse{JobID: jobID, SessionID: req.SessionID})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	us, err := s.core.ForUser(userEmail(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	doc, err := us.Sessions.Status(r.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no status for this session yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleRebuildStatus forces a derivation pass regardless of current
// state. The optional total_pages query parameter pins the denominator.
func (s *Server) handleRebuildStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	totalPages := 0
	if v := r.URL.Query().Get("total_pages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid total_pages")
			return
		}
		totalPages = n
	}

	us, err := s.core.ForUser(userEmail(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	doc, err := us.Sessions.Rebuild(r.Context(), sessionID, totalPages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleServeFile serves stored objects. The path carries the user hash,
// which is resolved to a user space already known to this process; an
// unknown hash has nothing to serve. The caller's own identity header is
// not consulted.
func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	userHash := chi.URLParam(r, "userHash")
	sessionID := chi.URLParam(r, "sessionID")
	filename := chi.URLParam(r, "*")

	us, ok := s.core.ForUserHash(userHash)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	data, err := us.Gateway.Get(r.Context(), filename, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := mime.TypeByExtension(path.Ext(filename))
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	w.Header().Set("Content-Type", contentType)

	if strings.HasSuffix(filename, ".json") {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	_, _ = w.Write(data)
}

// handleWorkerCallback executes one job payload synchronously. A 500
// answer tells the external queue to retry the whole payload; side effects
// are idempotent, so a retry is safe.
func (s *Server) handleWorkerCallback(w http.ResponseWriter, r *http.Request) {
	var payload job.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job payload")
		return
	}
	if _, err := job.ParseType(string(payload.JobType)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.core.ProcessJob(r.Context(), payload); err != nil {
		log.Error().Err(err).Str("job_id", payload.JobID).Msg("worker callback failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
