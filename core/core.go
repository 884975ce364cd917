// Package core wires the pipeline together: one Core value owns the
// configuration, the OCR worker, the shared job pool, and a per-user space
// of storage-bound collaborators. All components take their dependencies by
// construction; nothing in the module reaches for globals.
package core

import (
	"context"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pagemill/pagemill/aws"
	"github.com/pagemill/pagemill/config"
	"github.com/pagemill/pagemill/job"
	"github.com/pagemill/pagemill/metrics"
	"github.com/pagemill/pagemill/ocr"
	"github.com/pagemill/pagemill/session"
	"github.com/pagemill/pagemill/storage"
	"github.com/pagemill/pagemill/upload"
)

// UserSpace bundles the storage-bound collaborators for one user
// partition. Instances are cached per user hash so per-session and
// per-upload locks stay stable across requests.
type UserSpace struct {
	Email     string
	Gateway   storage.Gateway
	Sessions  *session.Store
	Uploads   *upload.Assembler
	Manager   *job.Manager
	Processor *job.JobProcessor
}

// Core owns the process-wide singletons and resolves per-user spaces.
// It implements job.Processor by routing each payload to the space of the
// user it belongs to.
// Example:
//
//	engine := ocr.NewHTTPEngine(cfg.ModelURL, cfg.ModelName, cfg.Device)
//	c, err := core.New(ctx, cfg, engine)
//	defer c.Close()
//	us, err := c.ForUser("alice@example.com")
type Core struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	worker  *ocr.Worker
	pool    *job.Pool // local mode only

	gatewayFactory func(email string) (storage.Gateway, error)

	mu    sync.Mutex
	users map[string]*UserSpace
}

// New builds a Core for the configured mode. In cloud mode it constructs
// the S3 client and a remote job manager per user; in local mode it starts
// the bounded worker pool and, when configured, the eager background model
// load.
func New(ctx context.Context, cfg *config.Config, engine ocr.Engine) (*Core, error) {
	c := &Core{
		cfg:     cfg,
		metrics: metrics.NewMetrics(),
		worker:  ocr.NewWorker(engine),
		users:   make(map[string]*UserSpace),
	}

	if cfg.RunningInCloud {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		rawClient := s3.NewFromConfig(awsCfg)
		client := aws.NewS3Client(rawClient)
		uploader := s3manager.NewUploader(rawClient)
		c.gatewayFactory = func(email string) (storage.Gateway, error) {
			return storage.NewS3Gateway(client, uploader, cfg.StorageBucket, email), nil
		}
	} else {
		c.gatewayFactory = func(email string) (storage.Gateway, error) {
			return storage.NewFileGateway(cfg.StoragePath, email)
		}
		c.pool = job.NewPool(cfg.MaxWorkers, c.metrics)
		c.pool.Start(c)
	}

	if cfg.EagerModel {
		c.worker.LoadInBackground()
	}
	return c, nil
}

// ForUser resolves the cached space for a user, creating it on first use.
// An empty email maps to the anonymous sentinel.
func (c *Core) ForUser(email string) (*UserSpace, error) {
	if email == "" {
		email = storage.AnonymousEmail
	}
	key := storage.UserHash(email)

	c.mu.Lock()
	defer c.mu.Unlock()
	if us, ok := c.users[key]; ok {
		return us, nil
	}

	gw, err := c.gatewayFactory(email)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage gateway: %w", err)
	}
	sessions := session.NewStore(gw)

	var mgr *job.Manager
	if c.cfg.RunningInCloud {
		mgr = job.NewRemoteManager(sessions, c.cfg.WorkerURL, c.metrics)
	} else {
		mgr = job.NewLocalManager(sessions, c.pool, c.metrics)
	}

	us := &UserSpace{
		Email:     email,
		Gateway:   gw,
		Sessions:  sessions,
		Uploads:   upload.NewAssembler(gw, c.metrics),
		Manager:   mgr,
		Processor: job.NewProcessor(gw, sessions, c.worker, mgr, c.metrics),
	}
	c.users[key] = us
	return us, nil
}

// ForUserHash returns the cached space whose partition matches the hash,
// if any. Serving paths carry only the hash, and the gateway refuses keys
// outside its own partition, so an unknown hash simply has nothing to
// serve.
func (c *Core) ForUserHash(hash string) (*UserSpace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	us, ok := c.users[hash]
	return us, ok
}

// ProcessJob implements job.Processor by delegating to the payload's user
// space. This is what the shared pool and the worker endpoint invoke.
func (c *Core) ProcessJob(ctx context.Context, payload job.Payload) error {
	us, err := c.ForUser(payload.UserEmail)
	if err != nil {
		return err
	}
	return us.Processor.ProcessJob(ctx, payload)
}

// OCRWorker returns the process's model owner.
func (c *Core) OCRWorker() *ocr.Worker { return c.worker }

// Metrics returns the process's pipeline counters.
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// Config returns the active configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// Close stops the worker pool (local mode) after draining queued jobs.
func (c *Core) Close() {
	if c.pool != nil {
		c.pool.Stop()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, us := range c.users {
		us.Manager.Close()
	}
}
