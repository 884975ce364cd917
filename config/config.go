// Package config handles parsing and validation of all service
// configuration. Settings come from the environment (with optional .env
// support) and select the deployment mode: cloud (S3 storage, remote job
// queue) or local (filesystem storage, in-process worker pool).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultMaxFileSize caps uploads at 500 MB.
const DefaultMaxFileSize = 500 << 20

// Config holds all configuration for the service. RunningInCloud switches
// both the storage backend and the job dispatch strategy at once, so one
// process never mixes local and cloud collaborators.
type Config struct {
	StorageBucket  string // S3 bucket for cloud storage
	StoragePath    string // Root directory for local storage
	Region         string // AWS region for the S3 client
	WorkerURL      string // Base URL of the worker service for remote job dispatch
	ModelURL       string // Base URL of the inference server
	ModelName      string // Identifier of the vision model
	Device         string // Device selector passed to the inference server
	ListenAddr     string // HTTP listen address
	LogFile        string // Optional rotating log file path
	MaxFileSize    int64  // Maximum accepted upload size in bytes
	MaxWorkers     int    // Worker pool size for local job processing
	RunningInCloud bool   // Cloud mode: S3 storage + remote task queue
	EagerModel     bool   // Load the model at startup instead of first use
}

// AllowedExtensions lists the source document types the upload path accepts.
var AllowedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".tiff": true,
}

// ExtensionAllowed reports whether a filename carries an accepted extension.
// Example:
//
//	config.ExtensionAllowed("scan.PDF") // true
//	config.ExtensionAllowed("notes.docx") // false
func ExtensionAllowed(filename string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return false
	}
	return AllowedExtensions[strings.ToLower(filename[idx:])]
}

// FromEnv builds a Config from the process environment. A .env file in the
// working directory is loaded first when present; real environment
// variables win over .env entries.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RunningInCloud: strings.EqualFold(os.Getenv("RUNNING_IN_CLOUD"), "true"),
		StorageBucket:  envDefault("STORAGE_BUCKET", "pagemill-storage"),
		StoragePath:    envDefault("STORAGE_PATH", "./storage"),
		Region:         os.Getenv("AWS_REGION"),
		WorkerURL:      os.Getenv("WORKER_URL"),
		ModelURL:       envDefault("MODEL_URL", "http://localhost:9090"),
		ModelName:      envDefault("MODEL_NAME", "nanonets/Nanonets-OCR-s"),
		Device:         envDefault("DEVICE", "cuda"),
		ListenAddr:     envDefault("LISTEN_ADDR", ":8080"),
		LogFile:        os.Getenv("LOG_FILE"),
		MaxFileSize:    DefaultMaxFileSize,
		MaxWorkers:     defaultWorkers(),
	}
	// The model loads eagerly in local mode so jobs submitted right after
	// startup queue behind the load instead of failing. Cloud workers stay
	// lazy to keep cold starts light on non-OCR request paths.
	cfg.EagerModel = !cfg.RunningInCloud

	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_FILE_SIZE: %w", err)
		}
		cfg.MaxFileSize = size
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_WORKERS: %w", err)
		}
		cfg.MaxWorkers = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultWorkers sizes the local pool to the machine: CPU count, floor 2.
func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.RunningInCloud {
		if c.StorageBucket == "" {
			return fmt.Errorf("storage bucket is required in cloud mode")
		}
		if c.WorkerURL == "" {
			return fmt.Errorf("worker URL is required in cloud mode")
		}
		if !strings.HasPrefix(c.WorkerURL, "http://") && !strings.HasPrefix(c.WorkerURL, "https://") {
			return fmt.Errorf("worker URL must be an http(s) URL: %s", c.WorkerURL)
		}
	} else {
		if c.StoragePath == "" {
			return fmt.Errorf("storage path is required in local mode")
		}
	}

	if c.ModelURL == "" {
		return fmt.Errorf("model URL is required")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name is required")
	}

	if c.MaxFileSize < 1 {
		return fmt.Errorf("max file size must be positive")
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	return nil
}
