package job

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagemill/pagemill/metrics"
	"github.com/pagemill/pagemill/session"
)

const (
	// remoteDispatchTimeout is the deadline for one remote job execution:
	// the queue endpoint runs the job synchronously before answering.
	remoteDispatchTimeout = 600 * time.Second

	// continuationDelay spaces out continuation dispatches in remote mode
	// so a long chain does not burst the queue.
	continuationDelay = 5 * time.Second
)

// Processor executes one job payload to completion.
type Processor interface {
	ProcessJob(ctx context.Context, payload Payload) error
}

// Manager creates jobs: it records the job reference in the session
// metadata, then dispatches the payload either to the in-process worker
// pool (local mode) or to the external HTTP task queue (remote mode). The
// API is identical in both modes.
// Example:
//
//	pool := job.NewPool(cfg.MaxWorkers, m)
//	mgr := job.NewLocalManager(sessions, pool, m)
//	pool.Start(processor)
//	jobID, err := mgr.CreateJob(ctx, sessionID, job.TypeExtractPages,
//	    job.InputData{Filename: "a.pdf", StartPage: 1}, userEmail)
type Manager struct {
	sessions *session.Store
	metrics  *metrics.Metrics

	// Local mode
	pool *Pool

	// Remote mode
	workerURL string
	client    *http.Client
	delay     time.Duration

	wg sync.WaitGroup // outstanding async dispatches
}

// NewLocalManager creates a manager that submits jobs to the shared
// in-process pool. Several managers (one per user partition) may share one
// pool; the pool bounds total concurrency for the process.
func NewLocalManager(sessions *session.Store, pool *Pool, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: sessions,
		metrics:  m,
		pool:     pool,
	}
}

// NewRemoteManager creates a manager that posts payloads to the external
// task queue at workerURL.
func NewRemoteManager(sessions *session.Store, workerURL string, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions:  sessions,
		metrics:   m,
		workerURL: workerURL,
		client:    &http.Client{Timeout: remoteDispatchTimeout},
		delay:     continuationDelay,
	}
}

// Close drains this manager's outstanding remote dispatches. The shared
// pool is stopped by its owner, not here.
func (m *Manager) Close() {
	m.wg.Wait()
}

// CreateJob records the job in session metadata and dispatches it. The
// returned job ID is also the payload's identity in the worker logs.
func (m *Manager) CreateJob(ctx context.Context, sessionID string, jobType Type, input InputData, userEmail string) (string, error) {
	jobID := uuid.NewString()

	if err := m.sessions.AppendJob(ctx, sessionID, jobID, string(jobType)); err != nil {
		return "", fmt.Errorf("failed to record job: %w", err)
	}

	payload := Payload{
		JobID:     jobID,
		SessionID: sessionID,
		JobType:   jobType,
		InputData: input,
		UserEmail: userEmail,
	}

	log.Info().Str("job_id", jobID).Str("job_type", string(jobType)).
		Str("session_id", sessionID).Msg("job created")

	if m.pool != nil {
		m.pool.Submit(payload)
		return jobID, nil
	}

	// Remote dispatch is fire-and-forget from the caller's perspective; a
	// continuation burst is additionally spaced out by a short delay.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if input.StartPage > 1 {
			time.Sleep(m.delay)
		}
		if err := m.dispatchRemote(payload); err != nil {
			m.metrics.RecordJobFailed()
			log.Error().Err(err).Str("job_id", jobID).Msg("remote dispatch failed")
		}
	}()
	return jobID, nil
}

// dispatchRemote posts the payload to the task queue endpoint. A non-2xx
// answer is an error; the external queue retries the whole payload, which
// is safe because job side effects are idempotent.
func (m *Manager) dispatchRemote(payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.workerURL+"/worker/process-job", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker returned %d", resp.StatusCode)
	}
	return nil
}

// Pool runs jobs on a bounded set of goroutines. A panic or error inside a
// job never propagates past the pool boundary: it is logged and the job is
// considered failed, with no in-process retry.
type Pool struct {
	tasks     chan Payload
	processor Processor
	metrics   *metrics.Metrics
	wg        sync.WaitGroup
	submits   sync.WaitGroup
	stopped   chan struct{}
	workers   int
}

// NewPool creates a pool of the given size. No job runs until Start is
// called with the processor; submissions before that queue.
func NewPool(workers int, m *metrics.Metrics) *Pool {
	return &Pool{
		tasks:   make(chan Payload, workers*4),
		metrics: m,
		stopped: make(chan struct{}),
		workers: workers,
	}
}

// Start begins consuming queued payloads with the given processor.
func (p *Pool) Start(processor Processor) {
	p.processor = processor
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues a payload without ever blocking the caller. Jobs create
// continuation jobs from inside the pool, so a blocking submit on a full
// queue would deadlock the last free worker.
func (p *Pool) Submit(payload Payload) {
	select {
	case p.tasks <- payload:
	default:
		p.submits.Add(1)
		go func() {
			defer p.submits.Done()
			select {
			case p.tasks <- payload:
			case <-p.stopped:
			}
		}()
	}
}

// Stop waits for running jobs to finish and drains what is already
// queued. The task channel is never closed: a continuation submitted
// while workers drain is queued and run by the drain, and one that finds
// the queue full after Stop may be dropped.
func (p *Pool) Stop() {
	close(p.stopped)
	p.submits.Wait()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case payload := <-p.tasks:
			p.run(id, payload)
		case <-p.stopped:
			// Drain whatever is already queued, then exit
			for {
				select {
				case payload := <-p.tasks:
					p.run(id, payload)
				default:
					return
				}
			}
		}
	}
}

// run executes one job and logs its completion record.
func (p *Pool) run(id int, payload Payload) {
	start := time.Now()
	result := completion{
		JobID:     payload.JobID,
		JobType:   payload.JobType,
		SessionID: payload.SessionID,
		Status:    "completed",
		Message:   fmt.Sprintf("job %s completed successfully", payload.JobType),
	}

	err := p.safeProcess(payload)
	result.Took = time.Since(start)
	if err != nil {
		result.Status = "failed"
		result.Message = err.Error()
		p.metrics.RecordJobFailed()
	} else {
		p.metrics.RecordJobCompleted()
	}
	p.metrics.RecordProcessingTime(result.Took)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Int("worker", id).Str("job_id", result.JobID).Str("job_type", string(result.JobType)).
		Str("session_id", result.SessionID).Str("status", result.Status).
		Str("message", result.Message).Dur("took", result.Took).Msg("job finished")
}

// safeProcess confines panics to the job that raised them.
func (p *Pool) safeProcess(payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return p.processor.ProcessJob(context.Background(), payload)
}
