package runner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tendant/detect-pipeline/internal/config"
	"github.com/tendant/detect-pipeline/internal/dedupe"
	"github.com/tendant/detect-pipeline/internal/detector"
	"github.com/tendant/detect-pipeline/internal/storage"
)

// pipelineName scopes ledger rows so several pipelines can share one database
const pipelineName = "detect"

// OpenS3Store builds the S3-backed store described by cfg
func OpenS3Store(ctx context.Context, cfg config.Config) (*storage.S3Store, error) {
	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:   cfg.Bucket,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalSetup, err)
	}
	return store, nil
}

// OpenFilesystemStore builds a store rooted at cfg.StorageDir
func OpenFilesystemStore(cfg config.Config) (*storage.FilesystemStorage, error) {
	store, err := storage.NewFilesystemStorage(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrFatalSetup, err)
	}
	return store, nil
}

// NewDetector builds the HTTP inference detector described by cfg
func NewDetector(cfg config.Config) *detector.HTTPDetector {
	return detector.NewHTTPDetector(detector.HTTPConfig{
		InferenceURL:  cfg.InferenceURL,
		ModelPath:     cfg.ModelPath,
		MinConfidence: cfg.MinConfidence,
		SkipEmpty:     cfg.SkipEmpty,
	})
}

// OpenLedger opens the ledger backend named by cfg.Ledger. The returned closer
// is nil for the memory ledger.
func OpenLedger(ctx context.Context, cfg config.Config) (dedupe.Ledger, io.Closer, error) {
	switch strings.ToLower(cfg.Ledger) {
	case config.LedgerMemory, "":
		return dedupe.NewMemoryLedger(), nil, nil
	case config.LedgerSQLite:
		l, err := dedupe.OpenSQLite(ctx, cfg.LedgerDSN, pipelineName)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", config.ErrFatalSetup, err)
		}
		return l, l, nil
	case config.LedgerPostgres:
		l, err := dedupe.OpenPostgres(ctx, cfg.LedgerDSN, pipelineName)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", config.ErrFatalSetup, err)
		}
		return l, l, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown ledger %q", config.ErrFatalSetup, cfg.Ledger)
	}
}
