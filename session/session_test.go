package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pagemill/pagemill/storage"
)

func newTestStore() (*Store, storage.Gateway) {
	gw := storage.NewMemoryGateway("alice@example.com")
	return NewStore(gw), gw
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	meta, err := store.Create(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if meta.SessionID == "" {
		t.Fatal("expected session id")
	}

	loaded, err := store.Metadata(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if loaded.UserEmail != "alice@example.com" {
		t.Errorf("user email mismatch: got %s", loaded.UserEmail)
	}
	if len(loaded.Jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(loaded.Jobs))
	}
}

func TestAppendJob(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	meta, err := store.Create(ctx, "")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := store.AppendJob(ctx, meta.SessionID, "job-1", "extract_pages"); err != nil {
		t.Fatalf("failed to append job: %v", err)
	}
	if err := store.AppendJob(ctx, meta.SessionID, "job-2", "ocr"); err != nil {
		t.Fatalf("failed to append job: %v", err)
	}

	loaded, err := store.Metadata(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if len(loaded.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(loaded.Jobs))
	}
	if loaded.Jobs[0].JobID != "job-1" || loaded.Jobs[1].JobID != "job-2" {
		t.Errorf("job order mismatch: %+v", loaded.Jobs)
	}
}

func TestAppendJobConcurrent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	meta, err := store.Create(ctx, "")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.AppendJob(ctx, meta.SessionID, fmt.Sprintf("job-%d", i), "ocr"); err != nil {
				t.Errorf("append %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := store.Metadata(ctx, meta.SessionID)
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	// The per-session lock guarantees no append is lost
	if len(loaded.Jobs) != n {
		t.Errorf("lost appends: got %d jobs, want %d", len(loaded.Jobs), n)
	}
	seen := make(map[string]bool)
	for _, j := range loaded.Jobs {
		if seen[j.JobID] {
			t.Errorf("duplicate job entry: %s", j.JobID)
		}
		seen[j.JobID] = true
	}
}

func TestAppendJobCreatesMetadata(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if err := store.AppendJob(ctx, "fresh-session", "job-1", "ocr"); err != nil {
		t.Fatalf("failed to append to fresh session: %v", err)
	}
	loaded, err := store.Metadata(ctx, "fresh-session")
	if err != nil {
		t.Fatalf("failed to load metadata: %v", err)
	}
	if len(loaded.Jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(loaded.Jobs))
	}
}

func savePages(t *testing.T, gw storage.Gateway, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("pages/page_%03d.png", i)
		if _, err := gw.Save(ctx, []byte("png"), name, sessionID); err != nil {
			t.Fatalf("failed to save %s: %v", name, err)
		}
	}
}

func saveResults(t *testing.T, gw storage.Gateway, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("results/page_%03d.txt", i)
		if _, err := gw.Save(ctx, []byte(fmt.Sprintf("text of page %d", i)), name, sessionID); err != nil {
			t.Fatalf("failed to save %s: %v", name, err)
		}
	}
}

func TestRebuildEmptySession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	doc, err := store.Rebuild(ctx, "empty", 0)
	if err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}
	if len(doc.Stages) != 0 {
		t.Errorf("expected no stages for empty session, got %v", doc.Stages)
	}
}

func TestRebuildMidExtraction(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s1", 7)

	doc, err := store.Rebuild(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}

	// With no pinned total, the working total is just the extracted count
	// and the stage cannot claim completion
	stage, ok := doc.Stages[StageExtraction]
	if !ok {
		t.Fatal("expected page_extraction stage")
	}
	if stage.PagesProcessed != 7 || stage.TotalPages != 7 {
		t.Errorf("stage mismatch: %+v", stage)
	}
	if stage.Status != StatusProcessing {
		t.Errorf("expected processing without a pinned total, got %s", stage.Status)
	}
	if _, ok := doc.Stages[StageOCR]; ok {
		t.Error("expected no ocr stage without results or pinned total")
	}
}

func TestRebuildWithPinnedTotal(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s2", 7)

	doc, err := store.Rebuild(ctx, "s2", 10)
	if err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}

	stage := doc.Stages[StageExtraction]
	if stage.Status != StatusProcessing {
		t.Errorf("expected processing, got %s", stage.Status)
	}
	if stage.TotalPages != 10 || stage.PagesProcessed != 7 {
		t.Errorf("stage mismatch: %+v", stage)
	}
	if stage.ProgressPercent != 70 {
		t.Errorf("progress mismatch: got %d, want 70", stage.ProgressPercent)
	}

	// A pinned total plus extracted pages announces the ocr stage even
	// before any result exists
	ocr, ok := doc.Stages[StageOCR]
	if !ok {
		t.Fatal("expected ocr stage with pinned total")
	}
	if ocr.PagesProcessed != 0 || ocr.Status != StatusProcessing {
		t.Errorf("ocr stage mismatch: %+v", ocr)
	}
}

func TestRebuildComplete(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s3", 3)
	saveResults(t, gw, "s3", 3)

	doc, err := store.Rebuild(ctx, "s3", 3)
	if err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}

	for _, name := range []string{StageExtraction, StageOCR} {
		stage := doc.Stages[name]
		if stage.Status != StatusComplete {
			t.Errorf("%s: expected complete, got %s", name, stage.Status)
		}
		if stage.ProgressPercent != 100 {
			t.Errorf("%s: expected 100%%, got %d", name, stage.ProgressPercent)
		}
	}
}

func TestRebuildPartialOCR(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s4", 11)
	saveResults(t, gw, "s4", 5)

	doc, err := store.Rebuild(ctx, "s4", 11)
	if err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}

	ocr := doc.Stages[StageOCR]
	if ocr.Status != StatusProcessing {
		t.Errorf("expected processing, got %s", ocr.Status)
	}
	if ocr.PagesProcessed != 5 || ocr.TotalPages != 11 {
		t.Errorf("ocr stage mismatch: %+v", ocr)
	}
	if ocr.ProgressPercent != 45 {
		t.Errorf("progress mismatch: got %d, want 45", ocr.ProgressPercent)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s5", 4)
	saveResults(t, gw, "s5", 2)

	first, err := store.Rebuild(ctx, "s5", 4)
	if err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}
	for i := 0; i < 3; i++ {
		doc, err := store.Rebuild(ctx, "s5", 4)
		if err != nil {
			t.Fatalf("rebuild %d failed: %v", i, err)
		}
		for name, stage := range first.Stages {
			if doc.Stages[name] != stage {
				t.Errorf("rebuild %d diverged for %s: got %+v, want %+v", i, name, doc.Stages[name], stage)
			}
		}
	}
}

func TestRebuildAfterStatusDeleted(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s6", 5)

	if _, err := store.Rebuild(ctx, "s6", 0); err != nil {
		t.Fatalf("failed to rebuild: %v", err)
	}

	// Simulate a crash between batches losing the status document
	if _, err := gw.Delete(ctx, "status.json", "s6"); err != nil {
		t.Fatalf("failed to delete status: %v", err)
	}
	if _, err := store.Status(ctx, "s6"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing status, got %v", err)
	}

	doc, err := store.Rebuild(ctx, "s6", 0)
	if err != nil {
		t.Fatalf("failed to rebuild after delete: %v", err)
	}
	if doc.Stages[StageExtraction].PagesProcessed != 5 {
		t.Errorf("expected 5 pages after rebuild, got %+v", doc.Stages[StageExtraction])
	}

	// The persisted document matches the returned one
	persisted, err := store.Status(ctx, "s6")
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if persisted.Stages[StageExtraction] != doc.Stages[StageExtraction] {
		t.Errorf("persisted status diverges: %+v vs %+v", persisted.Stages, doc.Stages)
	}
}

func TestStatusNotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.Status(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregateResults(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	saveResults(t, gw, "s7", 3)

	if _, err := store.AggregateResults(ctx, "s7"); err != nil {
		t.Fatalf("failed to aggregate: %v", err)
	}

	data, err := gw.Get(ctx, "combined_output.md", "s7")
	if err != nil {
		t.Fatalf("combined output missing: %v", err)
	}
	combined := string(data)
	for i := 1; i <= 3; i++ {
		want := fmt.Sprintf("text of page %d", i)
		if !strings.Contains(combined, want) {
			t.Errorf("combined output missing %q", want)
		}
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store, gw := newTestStore()
	savePages(t, gw, "s8", 2)
	saveResults(t, gw, "s8", 2)

	if err := store.DeleteSession(ctx, "s8"); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}
	infos, err := gw.List(ctx, "", "s8")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected empty session after delete, got %d objects", len(infos))
	}
}
