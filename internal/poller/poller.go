// Package poller watches the inbox prefix and dispatches new source objects to
// the ingest workflow. It never dispatches a key twice once that key has been
// recorded in the ledger, and retries failed keys on the next cycle.
package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/detect-pipeline/internal/dedupe"
	"github.com/tendant/detect-pipeline/internal/metrics"
	"github.com/tendant/detect-pipeline/internal/storage"
	"github.com/tendant/detect-pipeline/internal/workflows"
	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

// Config controls the polling loop
type Config struct {
	InboxPrefix string
	Interval    time.Duration

	// Workers bounds concurrent objects within one cycle; 1 processes keys in listing order
	Workers int

	// ListTimeout bounds each listing call; 0 means no bound
	ListTimeout time.Duration
}

// CycleStats summarises one poll cycle
type CycleStats struct {
	Listed     int
	Skipped    int
	Dispatched int
	Succeeded  int
	Failed     int
}

// Poller runs the inbox polling loop
type Poller struct {
	store    storage.BlobStore
	ledger   dedupe.Ledger
	workflow workflows.Workflow
	metrics  *metrics.Metrics
	cfg      Config
}

// New creates a poller; m may be nil
func New(store storage.BlobStore, ledger dedupe.Ledger, wf workflows.Workflow, cfg Config, m *metrics.Metrics) *Poller {
	if cfg.InboxPrefix == "" {
		cfg.InboxPrefix = pipeline.DefaultInboxPrefix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = pipeline.DefaultPollInterval
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Poller{
		store:    store,
		ledger:   ledger,
		workflow: wf,
		metrics:  m,
		cfg:      cfg,
	}
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried after the interval.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Str("prefix", p.cfg.InboxPrefix).
		Dur("interval", p.cfg.Interval).
		Int("workers", p.cfg.Workers).
		Msg("Monitoring bucket for new uploads")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Poller stopped")
			return nil
		case <-timer.C:
		}

		stats, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("prefix", p.cfg.InboxPrefix).Msg("Poll cycle failed")
		} else if stats.Dispatched > 0 {
			log.Info().
				Int("listed", stats.Listed).
				Int("dispatched", stats.Dispatched).
				Int("succeeded", stats.Succeeded).
				Int("failed", stats.Failed).
				Msg("Poll cycle completed")
		}

		timer.Reset(p.cfg.Interval)
	}
}

// RunOnce lists the inbox and processes every key that is not a directory
// marker and not yet in the ledger
func (p *Poller) RunOnce(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	defer p.metrics.PollCycle()

	listCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.ListTimeout > 0 {
		listCtx, cancel = context.WithTimeout(ctx, p.cfg.ListTimeout)
	}
	keys, err := p.store.List(listCtx, p.cfg.InboxPrefix)
	cancel()
	if err != nil {
		return stats, fmt.Errorf("list inbox: %w", err)
	}
	stats.Listed = len(keys)

	pending := make([]string, 0, len(keys))
	for _, key := range keys {
		if storage.IsDirMarker(key) {
			stats.Skipped++
			continue
		}
		done, err := p.ledger.Has(ctx, key)
		if err != nil {
			// Not eligible this cycle; the next cycle asks again
			log.Warn().Err(err).Str("key", key).Msg("Ledger lookup failed")
			stats.Skipped++
			continue
		}
		if done {
			stats.Skipped++
			continue
		}
		pending = append(pending, key)
	}

	var succeeded, failed atomic.Int64
	dispatch := func(key string) {
		if p.dispatch(ctx, key) {
			succeeded.Add(1)
		} else {
			failed.Add(1)
		}
	}

	if p.cfg.Workers == 1 {
		for _, key := range pending {
			if ctx.Err() != nil {
				break
			}
			stats.Dispatched++
			dispatch(key)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.cfg.Workers)
		for _, key := range pending {
			if ctx.Err() != nil {
				break
			}
			stats.Dispatched++
			key := key
			g.Go(func() error {
				dispatch(key)
				return nil
			})
		}
		g.Wait()
	}

	stats.Succeeded = int(succeeded.Load())
	stats.Failed = int(failed.Load())
	return stats, nil
}

// dispatch runs the workflow for key and records it in the ledger on success.
// Every error and panic is contained here.
func (p *Poller) dispatch(ctx context.Context, key string) (ok bool) {
	runID := uuid.NewString()
	start := time.Now()
	logger := log.With().Str("run_id", runID).Str("key", key).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Processing panicked")
			p.metrics.ObjectFailed("panic", time.Since(start))
			ok = false
		}
	}()

	logger.Info().Msg("Found new image")
	res, err := p.workflow.Execute(&workflows.WorkflowContext{Ctx: ctx, Key: key, RunID: runID})
	if err != nil {
		stage := workflows.StageOf(err)
		logger.Error().Err(err).Str("stage", stage).Msg("Processing failed, will retry next cycle")
		p.metrics.ObjectFailed(stage, time.Since(start))
		return false
	}

	if err := p.ledger.MarkDone(ctx, key); err != nil {
		logger.Error().Err(err).Str("stage", "ledger").Msg("Failed to record processed key")
		p.metrics.ObjectFailed("ledger", time.Since(start))
		return false
	}

	uploaded := 0
	if res != nil {
		uploaded = len(res.Uploaded)
	}
	p.metrics.ObjectSucceeded(time.Since(start), uploaded)
	return true
}
