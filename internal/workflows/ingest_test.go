package workflows

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/tendant/detect-pipeline/internal/detector"
	"github.com/tendant/detect-pipeline/internal/naming"
	"github.com/tendant/detect-pipeline/internal/storage"
	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

type fakeResult struct{ data string }

func (r fakeResult) Save(path string) error {
	return os.WriteFile(path, []byte(r.data), 0644)
}

type fakeDetector struct {
	results int
	err     error
	calls   []string
}

func (d *fakeDetector) Detect(ctx context.Context, imagePath string) ([]detector.Result, error) {
	d.calls = append(d.calls, imagePath)
	if d.err != nil {
		return nil, d.err
	}
	out := make([]detector.Result, d.results)
	for i := range out {
		out[i] = fakeResult{data: fmt.Sprintf("%s#%d", filepath.Base(imagePath), i)}
	}
	return out, nil
}

type failingUploadStore struct {
	*storage.MemoryStore
}

func (s failingUploadStore) Upload(ctx context.Context, localPath, key string) error {
	return fmt.Errorf("%w: put %s: connection reset", storage.ErrTransient, key)
}

func newTestWorkflow(t *testing.T, store storage.BlobStore, det detector.Detector, mode string) (*IngestWorkflow, IngestConfig) {
	t.Helper()
	root := t.TempDir()
	cfg := IngestConfig{
		OutboxPrefix:  "predictions/",
		DownloadDir:   filepath.Join(root, "downloads", "uploads"),
		ResultsDir:    filepath.Join(root, "downloads", "predictions"),
		UploadMode:    mode,
		StoreTimeout:  time.Second,
		DetectTimeout: time.Second,
	}
	w, err := NewIngestWorkflow(store, det, cfg)
	if err != nil {
		t.Fatalf("NewIngestWorkflow() error = %v", err)
	}
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	w.WithNamer(&naming.Namer{Now: func() time.Time { return fixed }})
	return w, cfg
}

func run(w *IngestWorkflow, key string) (*WorkflowResult, error) {
	return w.Execute(&WorkflowContext{Ctx: context.Background(), Key: key, RunID: "test-run"})
}

var outputKey = regexp.MustCompile(`^predictions/photo_predicted_20240601_120000_[0-9a-f-]{36}_(\d)\.jpg$`)

func TestIngest_UploadsEveryResult(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/photo.jpg", []byte("raw"))
	det := &fakeDetector{results: 3}
	w, cfg := newTestWorkflow(t, store, det, pipeline.UploadModeProduced)

	res, err := run(w, "uploads/photo.jpg")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatal("Execute() not successful")
	}

	if len(det.calls) != 1 {
		t.Fatalf("detector calls = %v, want 1", det.calls)
	}
	local := det.calls[0]
	if filepath.Base(local) != "photo.jpg" || filepath.Dir(filepath.Dir(local)) != cfg.DownloadDir {
		t.Errorf("detector input = %s, want <download dir>/<attempt>/photo.jpg", local)
	}
	if _, err := os.Stat(filepath.Dir(local)); !os.IsNotExist(err) {
		t.Errorf("attempt directory %s should be removed, stat err = %v", filepath.Dir(local), err)
	}

	if len(res.Uploaded) != 3 {
		t.Fatalf("uploaded = %v, want 3 keys", res.Uploaded)
	}
	for i, key := range res.Uploaded {
		m := outputKey.FindStringSubmatch(key)
		if m == nil {
			t.Fatalf("unexpected output key %s", key)
		}
		if m[1] != fmt.Sprint(i) {
			t.Errorf("key %s has index %s, want %d", key, m[1], i)
		}
		data, ok := store.Get(key)
		if !ok || string(data) != fmt.Sprintf("photo.jpg#%d", i) {
			t.Errorf("stored %s = %q", key, data)
		}
	}
}

func TestIngest_ZeroResults(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/empty.jpg", []byte("raw"))
	w, _ := newTestWorkflow(t, store, &fakeDetector{results: 0}, pipeline.UploadModeScan)

	res, err := run(w, "uploads/empty.jpg")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || len(res.Produced) != 0 || len(res.Uploaded) != 0 {
		t.Errorf("result = %+v, want success with nothing uploaded", res)
	}
	if len(store.Uploads()) != 0 {
		t.Errorf("store uploads = %v", store.Uploads())
	}
}

func TestIngest_DownloadNotFound(t *testing.T) {
	store := storage.NewMemoryStore()
	det := &fakeDetector{results: 1}
	w, _ := newTestWorkflow(t, store, det, pipeline.UploadModeScan)

	_, err := run(w, "uploads/vanished.jpg")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Execute() error = %v, want ErrNotFound", err)
	}
	if StageOf(err) != StageDownload {
		t.Errorf("stage = %s, want download", StageOf(err))
	}
	if len(det.calls) != 0 {
		t.Error("detector must not run after a failed download")
	}
}

func TestIngest_DetectorError(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/photo.jpg", []byte("raw"))
	det := &fakeDetector{err: fmt.Errorf("%w: model exploded", detector.ErrDetector)}
	w, _ := newTestWorkflow(t, store, det, pipeline.UploadModeScan)

	_, err := run(w, "uploads/photo.jpg")
	if !errors.Is(err, detector.ErrDetector) {
		t.Fatalf("Execute() error = %v, want ErrDetector", err)
	}
	if StageOf(err) != StageDetect {
		t.Errorf("stage = %s, want detect", StageOf(err))
	}
	if len(store.Uploads()) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestIngest_UploadError(t *testing.T) {
	mem := storage.NewMemoryStore()
	mem.Put("uploads/photo.jpg", []byte("raw"))
	w, _ := newTestWorkflow(t, failingUploadStore{mem}, &fakeDetector{results: 1}, pipeline.UploadModeProduced)

	_, err := run(w, "uploads/photo.jpg")
	if !errors.Is(err, storage.ErrTransient) {
		t.Fatalf("Execute() error = %v, want ErrTransient", err)
	}
	if StageOf(err) != StageUpload {
		t.Errorf("stage = %s, want upload", StageOf(err))
	}
}

// Scan mode uploads whatever images sit in the results directory, including
// outputs of earlier attempts. This pins the current behaviour.
func TestIngest_ScanModeReuploadsStaleResults(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/photo.jpg", []byte("raw"))
	w, cfg := newTestWorkflow(t, store, &fakeDetector{results: 1}, pipeline.UploadModeScan)

	os.WriteFile(filepath.Join(cfg.ResultsDir, "old_predicted_0.jpg"), []byte("stale"), 0644)
	os.WriteFile(filepath.Join(cfg.ResultsDir, "OLD.PNG"), []byte("stale"), 0644)
	os.WriteFile(filepath.Join(cfg.ResultsDir, "notes.txt"), []byte("ignore"), 0644)

	res, err := run(w, "uploads/photo.jpg")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	uploaded := strings.Join(res.Uploaded, ",")
	for _, want := range []string{"predictions/old_predicted_0.jpg", "predictions/OLD.PNG"} {
		if !strings.Contains(uploaded, want) {
			t.Errorf("uploaded %v, missing stale %s", res.Uploaded, want)
		}
	}
	if strings.Contains(uploaded, "notes.txt") {
		t.Errorf("non-image file uploaded: %v", res.Uploaded)
	}
	if len(res.Uploaded) != 3 {
		t.Errorf("uploaded %d keys, want 3", len(res.Uploaded))
	}

	// A second object re-uploads everything again
	store.Put("uploads/second.jpg", []byte("raw"))
	res2, err := run(w, "uploads/second.jpg")
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if len(res2.Uploaded) != 4 {
		t.Errorf("second run uploaded %d keys, want 4", len(res2.Uploaded))
	}
}

func TestIngest_ProducedModeSkipsStaleResults(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/photo.jpg", []byte("raw"))
	w, cfg := newTestWorkflow(t, store, &fakeDetector{results: 2}, pipeline.UploadModeProduced)

	os.WriteFile(filepath.Join(cfg.ResultsDir, "old_predicted_0.jpg"), []byte("stale"), 0644)

	res, err := run(w, "uploads/photo.jpg")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Uploaded) != 2 {
		t.Fatalf("uploaded = %v, want 2 fresh keys", res.Uploaded)
	}
	for _, key := range res.Uploaded {
		if strings.Contains(key, "old_predicted") {
			t.Errorf("stale result uploaded: %s", key)
		}
	}
}

func TestNewIngestWorkflow_RequiresDirs(t *testing.T) {
	_, err := NewIngestWorkflow(storage.NewMemoryStore(), &fakeDetector{}, IngestConfig{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("NewIngestWorkflow() error = %v, want ErrInvalidRequest", err)
	}
}

func TestIsImageFile(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":  true,
		"a.JPEG": true,
		"a.png":  true,
		"a.gif":  false,
		"a.txt":  false,
		"jpg":    false,
	}
	for name, want := range tests {
		if got := IsImageFile(name); got != want {
			t.Errorf("IsImageFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIngest_SameBaseNameGetsSeparateDownloads(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("uploads/a/x.jpg", []byte("AAA"))
	store.Put("uploads/b/x.jpg", []byte("BBB"))
	det := &fakeDetector{results: 1}
	w, _ := newTestWorkflow(t, store, det, pipeline.UploadModeProduced)

	for _, key := range []string{"uploads/a/x.jpg", "uploads/b/x.jpg"} {
		if _, err := run(w, key); err != nil {
			t.Fatalf("Execute(%s) error = %v", key, err)
		}
	}
	if len(det.calls) != 2 || det.calls[0] == det.calls[1] {
		t.Errorf("detector inputs = %v, want two distinct paths", det.calls)
	}
}
