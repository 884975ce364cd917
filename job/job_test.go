package job

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pagemill/pagemill/metrics"
	"github.com/pagemill/pagemill/ocr"
	"github.com/pagemill/pagemill/session"
	"github.com/pagemill/pagemill/storage"
)

func TestParseType(t *testing.T) {
	testCases := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"extract_pages", TypeExtractPages, false},
		{"ocr", TypeOCR, false},
		{"slice_image", TypeSliceImage, false},
		{"EXTRACT_PAGES", "", true},
		{"combine", "", true},
		{"", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseType(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBatchEnd(t *testing.T) {
	testCases := []struct {
		name      string
		start     int
		batchSize int
		total     int
		want      int
	}{
		{"first of many", 1, 10, 25, 10},
		{"middle batch", 11, 10, 25, 20},
		{"clamped last batch", 21, 10, 25, 25},
		{"single page document", 1, 10, 1, 1},
		{"eleven pages first", 1, 10, 11, 10},
		{"eleven pages second", 11, 10, 11, 11},
		{"ocr batch", 6, 5, 11, 10},
		{"ocr last page alone", 11, 5, 11, 11},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := batchEnd(tc.start, tc.batchSize, tc.total); got != tc.want {
				t.Errorf("batchEnd(%d, %d, %d) = %d, want %d", tc.start, tc.batchSize, tc.total, got, tc.want)
			}
		})
	}
}

// echoEngine is an instantly-ready Engine whose output names its input.
type echoEngine struct{}

func (echoEngine) Load(ctx context.Context) error { return nil }
func (echoEngine) Generate(ctx context.Context, img []byte, prompt string, maxNewTokens int) (string, error) {
	return fmt.Sprintf("recognized %d bytes\n", len(img)), nil
}
func (echoEngine) Release(ctx context.Context) {}
func (echoEngine) Device() string              { return "cpu" }

type fixture struct {
	gw       storage.Gateway
	sessions *session.Store
	manager  *Manager
}

func newLocalFixture(t *testing.T) *fixture {
	t.Helper()
	gw := storage.NewMemoryGateway("alice@example.com")
	sessions := session.NewStore(gw)
	m := metrics.NewMetrics()
	pool := NewPool(2, m)
	manager := NewLocalManager(sessions, pool, m)
	processor := NewProcessor(gw, sessions, ocr.NewWorker(echoEngine{}), manager, m)
	pool.Start(processor)
	t.Cleanup(pool.Stop)
	return &fixture{gw: gw, sessions: sessions, manager: manager}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for x := 0; x < 24; x++ {
		for y := 0; y < 24; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func seedPages(t *testing.T, gw storage.Gateway, sessionID string, pages ...int) {
	t.Helper()
	ctx := context.Background()
	for _, p := range pages {
		name := fmt.Sprintf("pages/page_%03d.png", p)
		if _, err := gw.Save(ctx, []byte(fmt.Sprintf("png-%d", p)), name, sessionID); err != nil {
			t.Fatalf("failed to seed %s: %v", name, err)
		}
	}
}

func TestExtractSinglePageDocumentEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	meta, err := f.sessions.Create(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := f.gw.Save(ctx, testPNG(t), "scan.png", meta.SessionID); err != nil {
		t.Fatalf("failed to save source: %v", err)
	}

	if _, err := f.manager.CreateJob(ctx, meta.SessionID, TypeExtractPages, InputData{
		Filename:  "scan.png",
		StartPage: 1,
	}, "alice@example.com"); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	// The single extract batch chains into a single OCR batch; wait for
	// the whole pipeline to drain.
	waitFor(t, 5*time.Second, "pipeline completion", func() bool {
		doc, err := f.sessions.Status(ctx, meta.SessionID)
		if err != nil {
			return false
		}
		ocrStage, ok := doc.Stages[session.StageOCR]
		return ok && ocrStage.Status == session.StatusComplete
	})

	if _, err := f.gw.Get(ctx, "pages/page_001.png", meta.SessionID); err != nil {
		t.Errorf("page image missing: %v", err)
	}
	if _, err := f.gw.Get(ctx, "results/page_001.txt", meta.SessionID); err != nil {
		t.Errorf("OCR result missing: %v", err)
	}

	doc, err := f.sessions.Status(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	extraction := doc.Stages[session.StageExtraction]
	if extraction.Status != session.StatusComplete || extraction.TotalPages != 1 {
		t.Errorf("extraction stage mismatch: %+v", extraction)
	}

	// Both the extract job and the chained OCR job are recorded
	loaded, err := f.sessions.Metadata(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if len(loaded.Jobs) != 2 {
		t.Errorf("expected 2 recorded jobs, got %d: %+v", len(loaded.Jobs), loaded.Jobs)
	}
}

func TestOCRChainElevenPages(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	meta, err := f.sessions.Create(ctx, "")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	for p := 1; p <= 11; p++ {
		seedPages(t, f.gw, meta.SessionID, p)
	}

	if _, err := f.manager.CreateJob(ctx, meta.SessionID, TypeOCR, InputData{
		TotalPages: 11,
		StartPage:  1,
	}, ""); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	waitFor(t, 5*time.Second, "OCR chain completion", func() bool {
		doc, err := f.sessions.Status(ctx, meta.SessionID)
		if err != nil {
			return false
		}
		stage, ok := doc.Stages[session.StageOCR]
		return ok && stage.Status == session.StatusComplete
	})

	for p := 1; p <= 11; p++ {
		name := fmt.Sprintf("results/page_%03d.txt", p)
		if _, err := f.gw.Get(ctx, name, meta.SessionID); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	doc, err := f.sessions.Status(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	stage := doc.Stages[session.StageOCR]
	if stage.TotalPages != 11 || stage.PagesProcessed != 11 || stage.ProgressPercent != 100 {
		t.Errorf("ocr stage mismatch: %+v", stage)
	}

	// Batches of 5 over 11 pages means exactly three chained jobs
	loaded, err := f.sessions.Metadata(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if len(loaded.Jobs) != 3 {
		t.Errorf("expected 3 OCR jobs, got %d", len(loaded.Jobs))
	}

	// The final batch aggregates the per-page results
	if _, err := f.gw.Get(ctx, "combined_output.md", meta.SessionID); err != nil {
		t.Errorf("combined output missing: %v", err)
	}
}

func TestOCRSkipsMissingPage(t *testing.T) {
	ctx := context.Background()
	f := newLocalFixture(t)

	meta, err := f.sessions.Create(ctx, "")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	// Page 3 of 5 is missing
	seedPages(t, f.gw, meta.SessionID, 1, 2, 4, 5)

	if _, err := f.manager.CreateJob(ctx, meta.SessionID, TypeOCR, InputData{
		TotalPages: 5,
		StartPage:  1,
	}, ""); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	waitFor(t, 5*time.Second, "batch to finish", func() bool {
		_, err := f.gw.Get(ctx, "results/page_005.txt", meta.SessionID)
		return err == nil
	})

	// The batch completed for the pages that loaded; the missing page has
	// no result and the stage stays processing
	if _, err := f.gw.Get(ctx, "results/page_003.txt", meta.SessionID); err == nil {
		t.Error("expected no result for missing page 3")
	}

	doc, err := f.sessions.Status(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	stage := doc.Stages[session.StageOCR]
	if stage.Status != session.StatusProcessing {
		t.Errorf("expected ocr stage processing, got %s", stage.Status)
	}
	if stage.PagesProcessed != 4 {
		t.Errorf("expected 4 pages processed, got %d", stage.PagesProcessed)
	}
}

func TestOCRJobRequiresTotalPages(t *testing.T) {
	ctx := context.Background()
	gw := storage.NewMemoryGateway("")
	sessions := session.NewStore(gw)
	m := metrics.NewMetrics()
	manager := NewLocalManager(sessions, NewPool(1, m), m)
	processor := NewProcessor(gw, sessions, ocr.NewWorker(echoEngine{}), manager, m)

	err := processor.ProcessJob(ctx, Payload{
		JobID:     "j1",
		SessionID: "s1",
		JobType:   TypeOCR,
		InputData: InputData{StartPage: 1},
	})
	if err == nil {
		t.Error("expected error for OCR job without total_pages")
	}
}

func TestExtractFailsOnMissingSource(t *testing.T) {
	ctx := context.Background()
	gw := storage.NewMemoryGateway("")
	sessions := session.NewStore(gw)
	m := metrics.NewMetrics()
	manager := NewLocalManager(sessions, NewPool(1, m), m)
	processor := NewProcessor(gw, sessions, ocr.NewWorker(echoEngine{}), manager, m)

	err := processor.ProcessJob(ctx, Payload{
		JobID:     "j1",
		SessionID: "s1",
		JobType:   TypeExtractPages,
		InputData: InputData{Filename: "nope.pdf", StartPage: 1},
	})
	if err == nil {
		t.Error("expected error for missing source document")
	}
}

func TestRemoteDispatch(t *testing.T) {
	ctx := context.Background()
	received := make(chan Payload, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/worker/process-job" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var payload Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	gw := storage.NewMemoryGateway("alice@example.com")
	sessions := session.NewStore(gw)
	manager := NewRemoteManager(sessions, srv.URL, metrics.NewMetrics())
	manager.delay = 0

	jobID, err := manager.CreateJob(ctx, "sess-r", TypeExtractPages, InputData{
		Filename:  "a.pdf",
		StartPage: 1,
	}, "alice@example.com")
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	select {
	case payload := <-received:
		if payload.JobID != jobID {
			t.Errorf("job id mismatch: got %s, want %s", payload.JobID, jobID)
		}
		if payload.JobType != TypeExtractPages {
			t.Errorf("job type mismatch: got %s", payload.JobType)
		}
		if payload.InputData.Filename != "a.pdf" {
			t.Errorf("input mismatch: %+v", payload.InputData)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload never reached the worker endpoint")
	}

	// The job reference is durable regardless of dispatch outcome
	meta, err := sessions.Metadata(ctx, "sess-r")
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if len(meta.Jobs) != 1 || meta.Jobs[0].JobID != jobID {
		t.Errorf("job reference missing: %+v", meta.Jobs)
	}

	manager.Close()
}

func TestPoolSurvivesPanic(t *testing.T) {
	ctx := context.Background()
	gw := storage.NewMemoryGateway("")
	sessions := session.NewStore(gw)
	m := metrics.NewMetrics()
	pool := NewPool(1, m)
	manager := NewLocalManager(sessions, pool, m)
	pool.Start(panicProcessor{})
	defer pool.Stop()

	if _, err := manager.CreateJob(ctx, "s1", TypeOCR, InputData{TotalPages: 1, StartPage: 1}, ""); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	// The pool must absorb the panic and keep accepting work
	if _, err := manager.CreateJob(ctx, "s1", TypeOCR, InputData{TotalPages: 1, StartPage: 1}, ""); err != nil {
		t.Fatalf("failed to create second job: %v", err)
	}

	waitFor(t, 2*time.Second, "both jobs recorded", func() bool {
		meta, err := sessions.Metadata(ctx, "s1")
		return err == nil && len(meta.Jobs) == 2
	})
}

type panicProcessor struct{}

func (panicProcessor) ProcessJob(ctx context.Context, payload Payload) error {
	panic("boom")
}
