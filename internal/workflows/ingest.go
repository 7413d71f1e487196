package workflows

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tendant/detect-pipeline/internal/detector"
	"github.com/tendant/detect-pipeline/internal/naming"
	"github.com/tendant/detect-pipeline/internal/storage"
	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

// IngestConfig configures the per-object sequence
type IngestConfig struct {
	OutboxPrefix string
	DownloadDir  string
	ResultsDir   string

	// UploadMode is pipeline.UploadModeScan or pipeline.UploadModeProduced
	UploadMode string

	StoreTimeout  time.Duration
	DetectTimeout time.Duration
}

// IngestWorkflow downloads one source object, runs detection, persists the
// annotated results locally and uploads them to the outbox
type IngestWorkflow struct {
	store    storage.BlobStore
	detector detector.Detector
	namer    *naming.Namer
	cfg      IngestConfig
}

// NewIngestWorkflow creates the workflow and its local working directories
func NewIngestWorkflow(store storage.BlobStore, det detector.Detector, cfg IngestConfig) (*IngestWorkflow, error) {
	if cfg.UploadMode == "" {
		cfg.UploadMode = pipeline.UploadModeScan
	}
	if cfg.OutboxPrefix == "" {
		cfg.OutboxPrefix = pipeline.DefaultOutboxPrefix
	}

	for _, dir := range []string{cfg.DownloadDir, cfg.ResultsDir} {
		if dir == "" {
			return nil, fmt.Errorf("%w: download and results directories are required", ErrInvalidRequest)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &IngestWorkflow{
		store:    store,
		detector: det,
		namer:    naming.NewNamer(),
		cfg:      cfg,
	}, nil
}

// WithNamer replaces the naming clock, mainly for tests
func (w *IngestWorkflow) WithNamer(n *naming.Namer) *IngestWorkflow {
	w.namer = n
	return w
}

// Name returns the workflow name
func (w *IngestWorkflow) Name() string {
	return "IngestWorkflow"
}

// Execute runs download, detect, persist and upload for wctx.Key.
// Any failure aborts the whole sequence. The downloaded source is removed when
// Execute returns; saved results stay in ResultsDir.
func (w *IngestWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	start := time.Now()
	key := wctx.Key
	logger := log.With().Str("run_id", wctx.RunID).Str("key", key).Logger()

	fail := func(stage string, err error) (*WorkflowResult, error) {
		return &WorkflowResult{Success: false, Duration: time.Since(start)},
			&StageError{Key: key, Stage: stage, Err: err}
	}

	baseName := storage.BaseName(key)
	if baseName == "" {
		return fail(StageDownload, ErrInvalidRequest)
	}

	// Step 1: Download source object into a directory owned by this attempt,
	// so keys sharing a base name never share a local file
	attemptDir, err := os.MkdirTemp(w.cfg.DownloadDir, "run-")
	if err != nil {
		return fail(StageDownload, err)
	}
	defer os.RemoveAll(attemptDir)

	localPath := filepath.Join(attemptDir, baseName)
	ctx, cancel := withTimeout(wctx.Ctx, w.cfg.StoreTimeout)
	err = w.store.Download(ctx, key, localPath)
	cancel()
	if err != nil {
		return fail(StageDownload, err)
	}
	logger.Debug().Str("local_path", localPath).Msg("Downloaded source object")

	// Step 2: Run detection
	ctx, cancel = withTimeout(wctx.Ctx, w.cfg.DetectTimeout)
	results, err := w.detector.Detect(ctx, localPath)
	cancel()
	if err != nil {
		return fail(StageDetect, err)
	}
	logger.Debug().Int("results", len(results)).Msg("Detection completed")

	// Step 3: Persist every result under a fresh name
	name := w.namer.Batch(baseName)
	produced := make([]string, 0, len(results))
	for i, result := range results {
		outPath := filepath.Join(w.cfg.ResultsDir, name(i))
		if err := result.Save(outPath); err != nil {
			return fail(StagePersist, err)
		}
		produced = append(produced, outPath)
		logger.Debug().Str("path", outPath).Msg("Saved predicted image")
	}

	// Step 4: Upload results
	toUpload := produced
	if w.cfg.UploadMode == pipeline.UploadModeScan {
		toUpload, err = ScanResults(w.cfg.ResultsDir)
		if err != nil {
			return fail(StageUpload, err)
		}
	}

	uploaded := make([]string, 0, len(toUpload))
	for _, path := range toUpload {
		outKey := storage.JoinKey(w.cfg.OutboxPrefix, filepath.Base(path))
		ctx, cancel := withTimeout(wctx.Ctx, w.cfg.StoreTimeout)
		err := w.store.Upload(ctx, path, outKey)
		cancel()
		if err != nil {
			return fail(StageUpload, err)
		}
		uploaded = append(uploaded, outKey)
	}

	logger.Info().
		Int("produced", len(produced)).
		Int("uploaded", len(uploaded)).
		Str("outbox", w.cfg.OutboxPrefix).
		Msg("Uploaded predictions")

	return &WorkflowResult{
		Success:  true,
		Produced: produced,
		Uploaded: uploaded,
		Duration: time.Since(start),
	}, nil
}

// ScanResults lists the image files in dir in name order
func ScanResults(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read results dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// IsImageFile reports whether name has one of the uploadable image extensions
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range pipeline.ImageExtensions {
		if ext == want {
			return true
		}
	}
	return false
}
