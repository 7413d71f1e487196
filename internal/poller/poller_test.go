package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tendant/detect-pipeline/internal/dedupe"
	"github.com/tendant/detect-pipeline/internal/detector"
	"github.com/tendant/detect-pipeline/internal/metrics"
	"github.com/tendant/detect-pipeline/internal/storage"
	"github.com/tendant/detect-pipeline/internal/workflows"
	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

type fakeWorkflow struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int // remaining failures per key
	panicOn  string
}

func (w *fakeWorkflow) Name() string { return "fake" }

func (w *fakeWorkflow) Execute(wctx *workflows.WorkflowContext) (*workflows.WorkflowResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, wctx.Key)

	if wctx.Key == w.panicOn {
		panic("detector crashed")
	}
	if w.failures[wctx.Key] > 0 {
		w.failures[wctx.Key]--
		return &workflows.WorkflowResult{}, &workflows.StageError{
			Key: wctx.Key, Stage: workflows.StageDownload, Err: storage.ErrTransient,
		}
	}
	return &workflows.WorkflowResult{Success: true, Uploaded: []string{"predictions/x.jpg"}}, nil
}

func (w *fakeWorkflow) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func countOf(calls []string, key string) int {
	n := 0
	for _, c := range calls {
		if c == key {
			n++
		}
	}
	return n
}

type brokenLister struct {
	*storage.MemoryStore
}

func (b brokenLister) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, fmt.Errorf("%w: list %s: timeout", storage.ErrTransient, prefix)
}

type flakyLedger struct {
	*dedupe.MemoryLedger
	failKey string
}

func (l flakyLedger) Has(ctx context.Context, key string) (bool, error) {
	if key == l.failKey {
		return false, errors.New("database is locked")
	}
	return l.MemoryLedger.Has(ctx, key)
}

func newStore(keys ...string) *storage.MemoryStore {
	s := storage.NewMemoryStore()
	for _, k := range keys {
		s.Put(k, []byte("raw"))
	}
	return s
}

func TestRunOnce_SkipsDirectoryMarkers(t *testing.T) {
	store := newStore("uploads/", "uploads/a.jpg", "uploads/nested/")
	wf := &fakeWorkflow{}
	p := New(store, dedupe.NewMemoryLedger(), wf, Config{InboxPrefix: "uploads/"}, nil)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := wf.Calls(); !reflect.DeepEqual(got, []string{"uploads/a.jpg"}) {
		t.Errorf("dispatched = %v, want only uploads/a.jpg", got)
	}
	if stats.Listed != 3 || stats.Skipped != 2 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunOnce_NoDoubleProcessing(t *testing.T) {
	store := newStore("uploads/a.jpg", "uploads/b.jpg")
	wf := &fakeWorkflow{}
	p := New(store, dedupe.NewMemoryLedger(), wf, Config{InboxPrefix: "uploads/"}, nil)

	for i := 0; i < 5; i++ {
		if _, err := p.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d error = %v", i, err)
		}
		if i == 1 {
			store.Put("uploads/c.jpg", []byte("raw"))
		}
	}

	calls := wf.Calls()
	for _, key := range []string{"uploads/a.jpg", "uploads/b.jpg", "uploads/c.jpg"} {
		if n := countOf(calls, key); n != 1 {
			t.Errorf("%s dispatched %d times, want 1", key, n)
		}
	}
}

func TestRunOnce_RetriesFailedKeyNextCycle(t *testing.T) {
	store := newStore("uploads/a.jpg", "uploads/b.jpg")
	wf := &fakeWorkflow{failures: map[string]int{"uploads/a.jpg": 1}}
	ledger := dedupe.NewMemoryLedger()
	p := New(store, ledger, wf, Config{InboxPrefix: "uploads/"}, nil)

	stats, _ := p.RunOnce(context.Background())
	if stats.Failed != 1 || stats.Succeeded != 1 {
		t.Errorf("first cycle stats = %+v", stats)
	}
	if has, _ := ledger.Has(context.Background(), "uploads/a.jpg"); has {
		t.Error("failed key must not be recorded")
	}

	stats, _ = p.RunOnce(context.Background())
	if stats.Dispatched != 1 || stats.Succeeded != 1 {
		t.Errorf("second cycle stats = %+v", stats)
	}

	p.RunOnce(context.Background())
	calls := wf.Calls()
	if n := countOf(calls, "uploads/a.jpg"); n != 2 {
		t.Errorf("a.jpg dispatched %d times, want 2", n)
	}
	if n := countOf(calls, "uploads/b.jpg"); n != 1 {
		t.Errorf("b.jpg dispatched %d times, want 1", n)
	}
}

func TestRunOnce_PreservesListingOrder(t *testing.T) {
	store := newStore("uploads/c.jpg", "uploads/a.jpg", "uploads/b.jpg")
	wf := &fakeWorkflow{}
	p := New(store, dedupe.NewMemoryLedger(), wf, Config{InboxPrefix: "uploads/"}, nil)

	p.RunOnce(context.Background())
	want := []string{"uploads/a.jpg", "uploads/b.jpg", "uploads/c.jpg"}
	if got := wf.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestRunOnce_ContainsPanics(t *testing.T) {
	store := newStore("uploads/a.jpg", "uploads/b.jpg")
	wf := &fakeWorkflow{panicOn: "uploads/a.jpg"}
	ledger := dedupe.NewMemoryLedger()
	p := New(store, ledger, wf, Config{InboxPrefix: "uploads/"}, metrics.New())

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Failed != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if has, _ := ledger.Has(context.Background(), "uploads/b.jpg"); !has {
		t.Error("key after the panic should still be processed")
	}
}

func TestRunOnce_LedgerErrorSkipsKey(t *testing.T) {
	store := newStore("uploads/a.jpg", "uploads/b.jpg")
	wf := &fakeWorkflow{}
	ledger := flakyLedger{MemoryLedger: dedupe.NewMemoryLedger(), failKey: "uploads/a.jpg"}
	p := New(store, ledger, wf, Config{InboxPrefix: "uploads/"}, nil)

	p.RunOnce(context.Background())
	if got := wf.Calls(); !reflect.DeepEqual(got, []string{"uploads/b.jpg"}) {
		t.Errorf("dispatched = %v", got)
	}
}

func TestRunOnce_ListErrorIsReturned(t *testing.T) {
	p := New(brokenLister{storage.NewMemoryStore()}, dedupe.NewMemoryLedger(), &fakeWorkflow{}, Config{}, nil)
	_, err := p.RunOnce(context.Background())
	if !errors.Is(err, storage.ErrTransient) {
		t.Fatalf("RunOnce() error = %v, want ErrTransient", err)
	}
}

func TestRunOnce_WorkerPoolProcessesEachKeyOnce(t *testing.T) {
	var keys []string
	for i := 0; i < 20; i++ {
		keys = append(keys, fmt.Sprintf("uploads/img%02d.jpg", i))
	}
	store := newStore(keys...)
	wf := &fakeWorkflow{failures: map[string]int{"uploads/img03.jpg": 1}}
	ledger := dedupe.NewMemoryLedger()
	p := New(store, ledger, wf, Config{InboxPrefix: "uploads/", Workers: 4}, nil)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Dispatched != 20 || stats.Succeeded != 19 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	p.RunOnce(context.Background())

	calls := wf.Calls()
	for _, key := range keys {
		want := 1
		if key == "uploads/img03.jpg" {
			want = 2
		}
		if n := countOf(calls, key); n != want {
			t.Errorf("%s dispatched %d times, want %d", key, n, want)
		}
	}
	if ledger.Len() != 20 {
		t.Errorf("ledger size = %d, want 20", ledger.Len())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := newStore("uploads/a.jpg")
	wf := &fakeWorkflow{}
	p := New(store, dedupe.NewMemoryLedger(), wf, Config{InboxPrefix: "uploads/", Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	store.Put("uploads/b.jpg", []byte("raw"))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	calls := wf.Calls()
	if countOf(calls, "uploads/a.jpg") != 1 || countOf(calls, "uploads/b.jpg") != 1 {
		t.Errorf("calls = %v, want each key once", calls)
	}
}

func TestRun_KeepsPollingAfterListFailure(t *testing.T) {
	p := New(brokenLister{storage.NewMemoryStore()}, dedupe.NewMemoryLedger(), &fakeWorkflow{}, Config{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

// End to end with the real ingest workflow and an in-memory store
type countingDetector struct {
	results map[string]int
}

type blankResult struct{}

func (blankResult) Save(path string) error { return os.WriteFile(path, []byte("jpg"), 0644) }

func (d countingDetector) Detect(ctx context.Context, imagePath string) ([]detector.Result, error) {
	n := d.results[filepath.Base(imagePath)]
	out := make([]detector.Result, n)
	for i := range out {
		out[i] = blankResult{}
	}
	return out, nil
}

func TestPipeline_EmptyResultStillMarksProcessed(t *testing.T) {
	store := newStore("uploads/", "uploads/empty.jpg", "uploads/busy.jpg")
	root := t.TempDir()
	wf, err := workflows.NewIngestWorkflow(store, countingDetector{results: map[string]int{"busy.jpg": 2}}, workflows.IngestConfig{
		OutboxPrefix: "predictions/",
		DownloadDir:  filepath.Join(root, "uploads"),
		ResultsDir:   filepath.Join(root, "predictions"),
		UploadMode:   pipeline.UploadModeProduced,
	})
	if err != nil {
		t.Fatalf("NewIngestWorkflow() error = %v", err)
	}
	ledger := dedupe.NewMemoryLedger()
	p := New(store, ledger, wf, Config{InboxPrefix: "uploads/"}, nil)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Succeeded != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if has, _ := ledger.Has(context.Background(), "uploads/empty.jpg"); !has {
		t.Error("empty-result source should be marked processed")
	}

	outputs, _ := store.List(context.Background(), "predictions/")
	if len(outputs) != 2 {
		t.Errorf("outbox = %v, want 2 outputs", outputs)
	}

	// Nothing new on the next cycle
	stats, _ = p.RunOnce(context.Background())
	if stats.Dispatched != 0 {
		t.Errorf("second cycle dispatched %d", stats.Dispatched)
	}
}

// copyDetector waits until every expected call has arrived, then reads the
// downloaded source, so concurrent objects are all on disk at the same time
type copyDetector struct {
	arrived chan struct{}
	release chan struct{}
}

type bytesResult struct{ data []byte }

func (r bytesResult) Save(path string) error { return os.WriteFile(path, r.data, 0644) }

func (d *copyDetector) Detect(ctx context.Context, imagePath string) ([]detector.Result, error) {
	d.arrived <- struct{}{}
	select {
	case <-d.release:
	case <-time.After(2 * time.Second):
		return nil, errors.New("peer detection never started")
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}
	return []detector.Result{bytesResult{data: data}}, nil
}

func TestPipeline_WorkerPoolKeepsSameNamedSourcesApart(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/a/x.jpg", []byte("AAA"))
	store.Put("uploads/b/x.jpg", []byte("BBB"))

	det := &copyDetector{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	go func() {
		<-det.arrived
		<-det.arrived
		close(det.release)
	}()

	root := t.TempDir()
	wf, err := workflows.NewIngestWorkflow(store, det, workflows.IngestConfig{
		OutboxPrefix: "predictions/",
		DownloadDir:  filepath.Join(root, "uploads"),
		ResultsDir:   filepath.Join(root, "predictions"),
		UploadMode:   pipeline.UploadModeProduced,
	})
	if err != nil {
		t.Fatalf("NewIngestWorkflow() error = %v", err)
	}
	p := New(store, dedupe.NewMemoryLedger(), wf, Config{InboxPrefix: "uploads/", Workers: 2}, nil)

	stats, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stats.Succeeded != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	outputs, _ := store.List(context.Background(), "predictions/")
	got := map[string]int{}
	for _, key := range outputs {
		data, _ := store.Get(key)
		got[string(data)]++
	}
	if got["AAA"] != 1 || got["BBB"] != 1 {
		t.Errorf("output contents = %v, want one built from each source", got)
	}
}
