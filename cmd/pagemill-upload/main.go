// Package main implements a small client for driving a pagemill service
// from the command line: it chunks a local document, runs the upload
// protocol, kicks off extraction, and polls status until the pipeline
// finishes.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "Base URL of the pagemill service")
	file := fs.String("file", "", "Document to upload (pdf or image)")
	user := fs.String("user", "", "User email for partitioning (optional)")
	chunkSize := fs.Int("chunk-size", 1<<20, "Chunk size in bytes")
	wait := fs.Bool("wait", true, "Poll status until the pipeline completes")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}
	if *chunkSize < 1 {
		return fmt.Errorf("chunk size must be positive")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", *file, err)
	}
	filename := filepath.Base(*file)
	totalChunks := (len(data) + *chunkSize - 1) / *chunkSize

	client := &client{base: *serverURL, user: *user, http: &http.Client{Timeout: 60 * time.Second}}

	// Start
	var started struct {
		UploadID  string `json:"upload_id"`
		SessionID string `json:"session_id"`
	}
	err = client.postJSON("/upload/start", map[string]any{
		"filename":     filename,
		"total_size":   len(data),
		"total_chunks": totalChunks,
	}, &started)
	if err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}
	fmt.Printf("Upload %s started (session %s, %d chunks)\n", started.UploadID, started.SessionID, totalChunks)

	// Chunks
	for i := 0; i < totalChunks; i++ {
		from := i * *chunkSize
		to := from + *chunkSize
		if to > len(data) {
			to = len(data)
		}
		if err := client.postChunk(started.UploadID, i, data[from:to]); err != nil {
			return fmt.Errorf("failed to upload chunk %d: %w", i, err)
		}
	}

	// Assemble
	var assembled struct {
		Status        string `json:"status"`
		MissingChunks []int  `json:"missing_chunks"`
	}
	if err := client.postJSON("/upload/assemble/"+started.UploadID, nil, &assembled); err != nil {
		return fmt.Errorf("failed to assemble: %w", err)
	}
	if assembled.Status != "complete" {
		return fmt.Errorf("assembly incomplete, missing chunks: %v", assembled.MissingChunks)
	}
	fmt.Println("Upload assembled")

	// Kick off the pipeline
	var created struct {
		JobID string `json:"job_id"`
	}
	err = client.postJSON("/jobs", map[string]any{
		"session_id": started.SessionID,
		"job_type":   "extract_pages",
		"input_data": map[string]any{"filename": filename, "start_page": 1},
	}, &created)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	fmt.Printf("Processing started (job %s)\n", created.JobID)

	if !*wait {
		return nil
	}
	return client.pollStatus(started.SessionID)
}

type client struct {
	base string
	user string
	http *http.Client
}

func (c *client) postJSON(path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-Email", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) postChunk(uploadID string, number int, chunk []byte) error {
	req, err := http.NewRequest(http.MethodPost, c.base+"/upload/chunk/"+uploadID, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Chunk-Number", strconv.Itoa(number))
	if c.user != "" {
		req.Header.Set("X-User-Email", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chunk %d returned %d: %s", number, resp.StatusCode, msg)
	}
	return nil
}

// pollStatus prints stage progress until the OCR stage completes.
func (c *client) pollStatus(sessionID string) error {
	for {
		req, err := http.NewRequest(http.MethodGet, c.base+"/sessions/"+sessionID+"/status", nil)
		if err != nil {
			return err
		}
		if c.user != "" {
			req.Header.Set("X-User-Email", c.user)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusOK {
			var doc struct {
				Stages map[string]struct {
					Status          string `json:"status"`
					TotalPages      int    `json:"total_pages"`
					PagesProcessed  int    `json:"pages_processed"`
					ProgressPercent int    `json:"progress_percent"`
				} `json:"stages"`
			}
			err := json.NewDecoder(resp.Body).Decode(&doc)
			_ = resp.Body.Close()
			if err != nil {
				return err
			}

			for name, stage := range doc.Stages {
				fmt.Printf("  %s: %s %d/%d (%d%%)\n", name, stage.Status, stage.PagesProcessed, stage.TotalPages, stage.ProgressPercent)
			}
			if ocrStage, ok := doc.Stages["ocr"]; ok && ocrStage.Status == "complete" {
				fmt.Println("Done")
				return nil
			}
		} else {
			_ = resp.Body.Close()
		}

		time.Sleep(2 * time.Second)
	}
}
