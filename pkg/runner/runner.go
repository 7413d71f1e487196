// Package runner embeds the detect pipeline: the inbox poller and the result
// catalog API run side by side and stop together when the context ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/detect-pipeline/internal/catalog"
	"github.com/tendant/detect-pipeline/internal/config"
	"github.com/tendant/detect-pipeline/internal/dedupe"
	"github.com/tendant/detect-pipeline/internal/detector"
	"github.com/tendant/detect-pipeline/internal/handlers"
	"github.com/tendant/detect-pipeline/internal/metrics"
	"github.com/tendant/detect-pipeline/internal/poller"
	"github.com/tendant/detect-pipeline/internal/storage"
	"github.com/tendant/detect-pipeline/internal/workflows"
)

// ShutdownTimeout bounds graceful HTTP shutdown
const ShutdownTimeout = 10 * time.Second

// startupCheckTimeout bounds each startup probe
const startupCheckTimeout = 15 * time.Second

// healthChecker is implemented by detectors that can probe their backend
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Option customises a Runner
type Option func(*Runner)

// WithStore replaces the S3 store built from config
func WithStore(s storage.BlobStore) Option {
	return func(r *Runner) { r.store = s }
}

// WithDetector replaces the HTTP detector built from config
func WithDetector(d detector.Detector) Option {
	return func(r *Runner) { r.detector = d }
}

// WithLedger replaces the ledger built from config
func WithLedger(l dedupe.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithMetrics registers collectors and serves them at /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// SkipDetectorCheck logs a failed detector health probe instead of failing startup
func SkipDetectorCheck() Option {
	return func(r *Runner) { r.skipDetectorCheck = true }
}

// Runner owns the poller and the HTTP server
type Runner struct {
	cfg               config.Config
	store             storage.BlobStore
	detector          detector.Detector
	ledger            dedupe.Ledger
	metrics           *metrics.Metrics
	skipDetectorCheck bool

	closers []io.Closer
	poller  *poller.Poller
	catalog *catalog.Catalog
	handler http.Handler
	server  *http.Server

	mu   sync.Mutex
	addr string
}

// New validates cfg, builds any collaborator not supplied by an option,
// runs the startup checks and prepares the local directories.
// Every setup failure wraps config.ErrFatalSetup.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.build(ctx); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.checkStartup(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runner) build(ctx context.Context) error {
	if r.store == nil {
		s, err := OpenS3Store(ctx, r.cfg)
		if err != nil {
			return err
		}
		r.store = s
	}
	if r.detector == nil {
		r.detector = NewDetector(r.cfg)
	}
	if r.ledger == nil {
		l, closer, err := OpenLedger(ctx, r.cfg)
		if err != nil {
			return err
		}
		r.ledger = l
		if closer != nil {
			r.closers = append(r.closers, closer)
		}
	}

	wf, err := workflows.NewIngestWorkflow(r.store, r.detector, workflows.IngestConfig{
		OutboxPrefix:  r.cfg.OutboxPrefix,
		DownloadDir:   r.cfg.DownloadDir,
		ResultsDir:    r.cfg.ResultsDir,
		UploadMode:    r.cfg.UploadMode,
		StoreTimeout:  r.cfg.StoreTimeout,
		DetectTimeout: r.cfg.DetectTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrFatalSetup, err)
	}

	r.poller = poller.New(r.store, r.ledger, wf, poller.Config{
		InboxPrefix: r.cfg.InboxPrefix,
		Interval:    r.cfg.PollInterval,
		Workers:     r.cfg.Workers,
		ListTimeout: r.cfg.StoreTimeout,
	}, r.metrics)

	r.catalog = catalog.New(r.store, r.cfg.OutboxPrefix, r.cfg.PresignTTL)

	apiCfg := handlers.APIConfig{Catalog: r.catalog, StartTime: time.Now()}
	if r.metrics != nil {
		apiCfg.Metrics = r.metrics.Handler()
	}
	r.handler = handlers.NewRouter(apiCfg)
	r.server = &http.Server{
		Addr:              r.cfg.HTTPAddr,
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (r *Runner) checkStartup(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()
	if err := r.store.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: store unreachable: %w", config.ErrFatalSetup, err)
	}

	hc, ok := r.detector.(healthChecker)
	if !ok {
		return nil
	}
	healthCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()
	if err := hc.CheckHealth(healthCtx); err != nil {
		if r.skipDetectorCheck {
			log.Warn().Err(err).Msg("Detector health check failed, continuing")
			return nil
		}
		return fmt.Errorf("%w: detector unavailable: %w", config.ErrFatalSetup, err)
	}
	return nil
}

// Handler returns the API router
func (r *Runner) Handler() http.Handler {
	return r.handler
}

// Catalog returns the result catalog
func (r *Runner) Catalog() *catalog.Catalog {
	return r.catalog
}

// RunOnce runs a single poll cycle without the HTTP server
func (r *Runner) RunOnce(ctx context.Context) (poller.CycleStats, error) {
	return r.poller.RunOnce(ctx)
}

// Addr returns the bound listen address once Run has started listening
func (r *Runner) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Run serves the API and polls the inbox until ctx is cancelled, then shuts
// the server down within ShutdownTimeout. A listener failure stops the poller.
func (r *Runner) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", config.ErrFatalSetup, r.cfg.HTTPAddr, err)
	}
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.mu.Unlock()

	log.Info().Str("addr", r.addr).Msg("Starting API server")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.poller.Run(gctx)
	})

	g.Go(func() error {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases the ledger connection
func (r *Runner) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}
