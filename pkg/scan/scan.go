// Package scan implements the Idle/Scanning gate in front of the recognition
// engine.
//
// Entering Scanning clears every tracked anchor and every augmentation
// attached to them, and advances the anchor generation so runs admitted
// before the clear are discarded. The gate returns to Idle once a result has
// been applied, or once the run that stopped the scan has failed.
package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/augment/pkg/recognition"
)

// State is the gate state.
type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the terminal result of a pipeline run.
type Outcome int

const (
	// Applied means the run registered and displayed its instance.
	Applied Outcome = iota
	// Failed means the run ended on a terminal error.
	Failed
	// Discarded means the run's anchor was invalidated by a clear.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Evicter removes every displayed augmentation.
type Evicter interface {
	EvictAll(ctx context.Context) int
}

// Controller is the scan state machine.
type Controller struct {
	engine    recognition.Engine
	evicter   Evicter
	immediate bool
	logger    hclog.Logger

	mu      sync.Mutex
	state   State
	trigger uint64

	gen atomic.Uint64
}

// New creates a controller in the Idle state. engine may be nil when no
// recognition engine is attached.
func New(engine recognition.Engine, evicter Evicter, clearImmediately bool, logger hclog.Logger) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		engine:    engine,
		evicter:   evicter,
		immediate: clearImmediately,
		logger:    logger.Named("scan"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the current anchor generation.
func (c *Controller) Generation() uint64 {
	return c.gen.Load()
}

// Valid reports whether anchors of generation gen are still tracked.
func (c *Controller) Valid(gen uint64) bool {
	return c.gen.Load() == gen
}

// BeginScanning performs Idle→Scanning. It is a no-op while already
// scanning.
func (c *Controller) BeginScanning(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Scanning {
		c.mu.Unlock()
		return nil
	}
	c.state = Scanning
	c.trigger = 0
	gen := c.gen.Add(1)
	c.mu.Unlock()

	c.logger.Info("scanning started", "generation", gen)

	var err error
	if c.engine != nil {
		if cerr := c.engine.ClearAllTrackedAnchors(ctx, c.immediate); cerr != nil {
			c.logger.Error("failed to clear tracked anchors", "error", cerr)
			err = fmt.Errorf("failed to clear tracked anchors: %w", cerr)
		}
	}
	if c.evicter != nil {
		c.evicter.EvictAll(ctx)
	}
	return err
}

// Admit records the arrival of result seq and returns the generation the run
// belongs to. The first result that arrives while scanning becomes the
// trigger of the scan stop.
func (c *Controller) Admit(seq uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Scanning && c.trigger == 0 {
		c.trigger = seq
		c.logger.Debug("scan stop triggered", "seq", seq)
	}
	return c.gen.Load()
}

// Settle reports the outcome of run seq, admitted under generation gen. It
// returns the outcome that took effect and whether the gate moved to Idle.
// A run from a generation that has since been cleared is discarded: its
// instance was evicted by the clear, so it cannot stop the new scan.
// Whenever the gate ends up Idle after a non-discarded run, result delivery
// is re-enabled.
func (c *Controller) Settle(ctx context.Context, seq, gen uint64, outcome Outcome) (Outcome, bool) {
	if outcome == Discarded {
		return Discarded, false
	}

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		c.logger.Debug("run outlived its generation", "seq", seq, "generation", gen, "outcome", outcome)
		return Discarded, false
	}
	settled := false
	if c.state == Scanning {
		if outcome != Applied && seq != c.trigger {
			c.mu.Unlock()
			return outcome, false
		}
		c.state = Idle
		c.trigger = 0
		settled = true
	}
	c.mu.Unlock()

	if settled {
		c.logger.Info("scan settled", "seq", seq, "outcome", outcome)
	}

	if c.engine != nil {
		if err := c.engine.EnableResultDelivery(ctx, true); err != nil {
			c.logger.Warn("failed to re-enable result delivery", "error", err)
		}
	}
	return outcome, settled
}
