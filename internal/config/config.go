// Package config loads pipeline configuration from environment variables.
// A .env file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

// ErrFatalSetup marks failures that must stop the process before it starts serving
var ErrFatalSetup = errors.New("fatal setup error")

// Environment variable names
const (
	EnvHTTPAddr      = "PIPELINE_HTTP_ADDR"
	EnvBucket        = "PIPELINE_BUCKET"
	EnvInboxPrefix   = "PIPELINE_INBOX_PREFIX"
	EnvOutboxPrefix  = "PIPELINE_OUTBOX_PREFIX"
	EnvPollInterval  = "PIPELINE_POLL_INTERVAL"
	EnvDownloadDir   = "PIPELINE_DOWNLOAD_DIR"
	EnvResultsDir    = "PIPELINE_RESULTS_DIR"
	EnvUploadMode    = "PIPELINE_UPLOAD_MODE"
	EnvWorkers       = "PIPELINE_WORKERS"
	EnvPresignTTL    = "PIPELINE_PRESIGN_TTL"
	EnvStoreTimeout  = "PIPELINE_STORE_TIMEOUT"
	EnvDetectTimeout = "PIPELINE_DETECT_TIMEOUT"
	EnvLedger        = "PIPELINE_LEDGER"
	EnvLedgerDSN     = "PIPELINE_LEDGER_DSN"
	EnvLogLevel      = "PIPELINE_LOG_LEVEL"
	EnvLogFormat     = "PIPELINE_LOG_FORMAT"
	EnvStorageDir    = "STORAGE_DIR"
	EnvAWSRegion     = "AWS_REGION"
	EnvS3Endpoint    = "S3_ENDPOINT"
	EnvModelPath     = "MODEL_PATH"
	EnvInferenceURL  = "INFERENCE_URL"
	EnvMinConfidence = "DETECTOR_MIN_CONFIDENCE"
	EnvSkipEmpty     = "DETECTOR_SKIP_EMPTY"
)

// Ledger backends
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config holds all pipeline settings
type Config struct {
	HTTPAddr string

	// Store layout
	Bucket       string
	InboxPrefix  string
	OutboxPrefix string
	StorageDir   string // bucket root for the filesystem store
	AWSRegion    string
	S3Endpoint   string // optional, enables path-style addressing (MinIO, localstack)

	// Local working directories
	DownloadDir string
	ResultsDir  string

	PollInterval  time.Duration
	UploadMode    string
	Workers       int
	PresignTTL    time.Duration
	StoreTimeout  time.Duration
	DetectTimeout time.Duration

	Ledger    string
	LedgerDSN string

	// Detector
	ModelPath     string
	InferenceURL  string
	MinConfidence float64
	SkipEmpty     bool

	LogLevel  string
	LogFormat string
}

// Default returns a Config populated with defaults only
func Default() Config {
	return Config{
		HTTPAddr:      ":5001",
		Bucket:        pipeline.DefaultBucket,
		InboxPrefix:   pipeline.DefaultInboxPrefix,
		OutboxPrefix:  pipeline.DefaultOutboxPrefix,
		StorageDir:    "./dev-data",
		DownloadDir:   "downloads/uploads",
		ResultsDir:    "downloads/predictions",
		PollInterval:  pipeline.DefaultPollInterval,
		UploadMode:    pipeline.UploadModeScan,
		Workers:       1,
		PresignTTL:    pipeline.DefaultPresignTTL,
		StoreTimeout:  60 * time.Second,
		DetectTimeout: 120 * time.Second,
		Ledger:        LedgerMemory,
		ModelPath:     "best.pt",
		InferenceURL:  "http://localhost:5000/predict",
		MinConfidence: 0.25,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads .env (if present) and the environment on top of the defaults
func Load() (Config, error) {
	// Silently ignore a missing .env file
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config using the given lookup function
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str(EnvHTTPAddr, &cfg.HTTPAddr)
	str(EnvBucket, &cfg.Bucket)
	str(EnvInboxPrefix, &cfg.InboxPrefix)
	str(EnvOutboxPrefix, &cfg.OutboxPrefix)
	str(EnvStorageDir, &cfg.StorageDir)
	str(EnvAWSRegion, &cfg.AWSRegion)
	str(EnvS3Endpoint, &cfg.S3Endpoint)
	str(EnvDownloadDir, &cfg.DownloadDir)
	str(EnvResultsDir, &cfg.ResultsDir)
	str(EnvUploadMode, &cfg.UploadMode)
	str(EnvLedger, &cfg.Ledger)
	str(EnvLedgerDSN, &cfg.LedgerDSN)
	str(EnvModelPath, &cfg.ModelPath)
	str(EnvInferenceURL, &cfg.InferenceURL)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvLogFormat, &cfg.LogFormat)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvPollInterval, &cfg.PollInterval},
		{EnvPresignTTL, &cfg.PresignTTL},
		{EnvStoreTimeout, &cfg.StoreTimeout},
		{EnvDetectTimeout, &cfg.DetectTimeout},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}

	if v := getenv(EnvMinConfidence); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvMinConfidence, err)
		}
		cfg.MinConfidence = f
	}

	if v := getenv(EnvSkipEmpty); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", EnvSkipEmpty, err)
		}
		cfg.SkipEmpty = b
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges and enumerations
func (c Config) Validate() error {
	var errs []error

	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if c.InboxPrefix == "" || c.OutboxPrefix == "" {
		errs = append(errs, errors.New("inbox and outbox prefixes are required"))
	}
	if c.InboxPrefix == c.OutboxPrefix {
		errs = append(errs, fmt.Errorf("inbox and outbox prefixes must differ (both %q)", c.InboxPrefix))
	}
	if c.DownloadDir == "" || c.ResultsDir == "" {
		errs = append(errs, errors.New("download and results directories are required"))
	} else if filepath.Clean(c.DownloadDir) == filepath.Clean(c.ResultsDir) {
		// The results directory is scanned for uploads, so sources would be published as predictions
		errs = append(errs, fmt.Errorf("download and results directories must differ (both %q)", c.DownloadDir))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.PresignTTL <= 0 {
		errs = append(errs, fmt.Errorf("presign TTL must be positive, got %s", c.PresignTTL))
	}
	if c.StoreTimeout < 0 || c.DetectTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	switch c.UploadMode {
	case pipeline.UploadModeScan, pipeline.UploadModeProduced:
	default:
		errs = append(errs, fmt.Errorf("unknown upload mode %q", c.UploadMode))
	}
	// Scan mode shares one results directory, so concurrent objects would upload each other's partial files
	if c.UploadMode == pipeline.UploadModeScan && c.Workers > 1 {
		errs = append(errs, fmt.Errorf("upload mode %q requires a single worker", c.UploadMode))
	}
	switch strings.ToLower(c.Ledger) {
	case LedgerMemory:
	case LedgerSQLite, LedgerPostgres:
		if c.LedgerDSN == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s ledger", EnvLedgerDSN, c.Ledger))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger %q", c.Ledger))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min confidence must be within [0,1], got %v", c.MinConfidence))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrFatalSetup, errors.Join(errs...))
	}
	return nil
}
