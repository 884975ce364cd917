package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// generateTimeout bounds one inference call. Dense pages with the full
// token budget can take minutes on CPU.
const generateTimeout = 10 * time.Minute

// HTTPEngine implements Engine against an external inference server that
// hosts the model weights. The server exposes load, generate, and release
// endpoints; this process never touches the weights directly.
// Example:
//
//	engine := ocr.NewHTTPEngine("http://model:9090", "nanonets/Nanonets-OCR-s", "cuda")
//	worker := ocr.NewWorker(engine)
type HTTPEngine struct {
	baseURL string
	model   string
	device  string
	client  *http.Client
}

// NewHTTPEngine creates an engine client for the inference server at
// baseURL.
func NewHTTPEngine(baseURL, model, device string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		model:   model,
		device:  device,
		client:  &http.Client{Timeout: generateTimeout},
	}
}

type loadRequest struct {
	Model  string `json:"model"`
	Device string `json:"device"`
}

type generateRequest struct {
	Model        string `json:"model"`
	Image        string `json:"image"` // base64-encoded PNG
	Prompt       string `json:"prompt"`
	MaxNewTokens int    `json:"max_new_tokens"`
	DoSample     bool   `json:"do_sample"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Load asks the server to bring the model into memory and blocks until it
// reports ready.
func (e *HTTPEngine) Load(ctx context.Context) error {
	body, err := json.Marshal(loadRequest{Model: e.model, Device: e.device})
	if err != nil {
		return fmt.Errorf("failed to encode load request: %w", err)
	}

	// Model loads can take minutes; no per-call timeout here, the worker's
	// wait deadline governs how long callers are prepared to block.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/load", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("load request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("load returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Generate runs inference for one image. Sampling is disabled, so the
// decode is deterministic and reruns are byte-equivalent.
func (e *HTTPEngine) Generate(ctx context.Context, image []byte, prompt string, maxNewTokens int) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:        e.model,
		Image:        base64.StdEncoding.EncodeToString(image),
		Prompt:       prompt,
		MaxNewTokens: maxNewTokens,
		DoSample:     false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generate returned %d: %s", resp.StatusCode, msg)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("inference error: %s", decoded.Error)
	}
	return decoded.Text, nil
}

// Release tells the server to drop device caches. Best-effort; failure to
// release is logged and otherwise ignored.
func (e *HTTPEngine) Release(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/release", nil)
	if err != nil {
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("release request failed")
		return
	}
	_ = resp.Body.Close()
}

// Device names the configured compute device.
func (e *HTTPEngine) Device() string { return e.device }

// Compile-time interface check
var _ Engine = (*HTTPEngine)(nil)
