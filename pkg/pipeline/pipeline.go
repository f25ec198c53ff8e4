// Package pipeline turns recognition results into displayed augmentations.
//
// Each result is assigned a sequence number on receipt and processed by its
// own goroutine: cache lookup, fetch on a miss, resolve, transform, register
// and evict the predecessor, then settle the scan gate. A failing run ends
// without displaying anything; it never affects other runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/augment/pkg/assetcache"
	"github.com/hashicorp-forge/augment/pkg/assetid"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
	"github.com/hashicorp-forge/augment/pkg/models"
	"github.com/hashicorp-forge/augment/pkg/recognition"
	"github.com/hashicorp-forge/augment/pkg/registry"
	"github.com/hashicorp-forge/augment/pkg/scan"
)

// Lineage modes.
const (
	// LineageAnchor keys instances by the anchor they are attached to.
	LineageAnchor = "anchor"
	// LineageGlobal keeps a single lineage for every anchor.
	LineageGlobal = "global"
)

const globalLineageKey = "global"

var (
	// ErrEmptyIdentifier is returned for a result without metadata.
	ErrEmptyIdentifier = errors.New("recognition result has no identifier")

	// ErrStopped is returned once the engine failed to initialize.
	ErrStopped = errors.New("pipeline stopped after initialization failure")
)

// Cache is the content-addressed package cache.
type Cache interface {
	GetOrFetch(ctx context.Context, id assetid.ID, fetch assetcache.FetchFunc) (*assetcache.Entry, assetcache.Outcome, error)
}

// Registrar displays positioned assets.
type Registrar interface {
	RegisterAndEvictPrevious(ctx context.Context, reg registry.Registration) (*registry.Instance, error)
}

// Gate is the scan state machine.
type Gate interface {
	BeginScanning(ctx context.Context) error
	Admit(seq uint64) uint64
	Valid(gen uint64) bool
	Settle(ctx context.Context, seq, gen uint64, outcome scan.Outcome) (scan.Outcome, bool)
}

// Config holds configuration for the pipeline.
type Config struct {
	Cache    Cache
	Fetcher  fetcher.Fetcher
	Registry Registrar
	Scan     Gate

	// DB is optional. Without it runs are not recorded.
	DB *gorm.DB

	// Lineage is LineageAnchor (default) or LineageGlobal.
	Lineage string

	// OnRunComplete, when set, is called with every finished run.
	OnRunComplete func(Result)

	Logger hclog.Logger
}

// Overlay holds the two strings shown by the debug overlay.
type Overlay struct {
	MetadataText string
	LastError    string
}

// Result is the outcome of one run.
type Result struct {
	Event   recognition.Event
	Outcome scan.Outcome
	// Step is the step the run ended at when it did not display.
	Step     string
	Cache    assetcache.Outcome
	Instance *registry.Instance
	Err      error
	Settled  bool
	Duration time.Duration
}

// Pipeline processes recognition results.
type Pipeline struct {
	cfg    Config
	logger hclog.Logger

	seq atomic.Uint64
	wg  sync.WaitGroup

	mu      sync.Mutex
	overlay Overlay

	initialized atomic.Bool
	stopped     atomic.Bool
	fatal       chan error
}

// New creates a new pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Scan == nil {
		return nil, fmt.Errorf("scan controller is required")
	}
	switch cfg.Lineage {
	case "":
		cfg.Lineage = LineageAnchor
	case LineageAnchor, LineageGlobal:
	default:
		return nil, fmt.Errorf("invalid lineage mode: %s (must be one of: anchor, global)", cfg.Lineage)
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.Named("pipeline"),
		fatal:  make(chan error, 1),
	}, nil
}

// OnResult accepts a recognition result and processes it on its own
// goroutine. The returned event carries the assigned sequence number.
func (p *Pipeline) OnResult(ctx context.Context, result recognition.SearchResult) (recognition.Event, error) {
	r, err := p.accept(ctx, result)
	if err != nil {
		return recognition.Event{}, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if v := recover(); v != nil {
				p.logger.Error("pipeline run panicked", "seq", r.ev.Seq, "panic", v)
			}
		}()
		p.execute(context.WithoutCancel(ctx), r)
	}()

	return r.ev, nil
}

// Process accepts a recognition result and processes it on the calling
// goroutine.
func (p *Pipeline) Process(ctx context.Context, result recognition.SearchResult) (Result, error) {
	r, err := p.accept(ctx, result)
	if err != nil {
		return Result{}, err
	}
	return p.execute(ctx, r), nil
}

// Wait blocks until every run started by OnResult has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Overlay returns the current debug overlay strings.
func (p *Pipeline) Overlay() Overlay {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overlay
}

// Fatal delivers the initialization error, if the engine reports one.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatal
}

// Initialized reports whether the engine reported a successful start.
func (p *Pipeline) Initialized() bool {
	return p.initialized.Load()
}

func (p *Pipeline) setMetadataText(s string) {
	p.mu.Lock()
	p.overlay.MetadataText = s
	p.mu.Unlock()
}

func (p *Pipeline) setLastError(err error) {
	p.mu.Lock()
	p.overlay.LastError = err.Error()
	p.mu.Unlock()
}

func (p *Pipeline) lineageKey(anchor string) string {
	if p.cfg.Lineage == LineageGlobal || anchor == "" {
		return globalLineageKey
	}
	return anchor
}

// run carries the per-run state between accept and execute.
type run struct {
	ev     recognition.Event
	key    string
	gen    uint64
	record *models.RecognitionRun
}

func (p *Pipeline) accept(ctx context.Context, result recognition.SearchResult) (*run, error) {
	if p.stopped.Load() {
		return nil, ErrStopped
	}

	p.setMetadataText(result.Metadata)

	if result.Metadata == "" {
		runsTotal.WithLabelValues("rejected").Inc()
		p.logger.Warn("ignoring recognition result without identifier", "anchor", result.Anchor)
		return nil, ErrEmptyIdentifier
	}

	seq := p.seq.Add(1)
	r := &run{
		ev: recognition.Event{
			ID:         assetid.ID(result.Metadata),
			Anchor:     result.Anchor,
			Seq:        seq,
			ReceivedAt: time.Now(),
			DetectedAt: result.DetectedAt,
		},
		key: p.lineageKey(result.Anchor),
		gen: p.cfg.Scan.Admit(seq),
	}

	if p.cfg.DB != nil {
		record := models.NewRecognitionRun(seq, result.Metadata, result.Anchor, r.key)
		if err := p.cfg.DB.WithContext(ctx).Create(record).Error; err != nil {
			p.logger.Warn("failed to record recognition run", "seq", seq, "error", err)
		} else {
			r.record = record
		}
	}

	p.logger.Info("recognition result received",
		"id", r.ev.ID,
		"anchor", r.ev.Anchor,
		"seq", seq,
		"generation", r.gen,
	)
	return r, nil
}
