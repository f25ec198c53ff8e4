package pipeline

import (
	"context"
	"strconv"

	"github.com/hashicorp-forge/augment/pkg/recognition"
)

var _ recognition.Handler = (*Pipeline)(nil)

// OnInitialized implements recognition.Handler.
func (p *Pipeline) OnInitialized(ctx context.Context) {
	p.initialized.Store(true)
	p.logger.Info("recognition engine initialized")
}

// OnInitError implements recognition.Handler. The error is fatal: it is
// delivered on Fatal and every later result is dropped.
func (p *Pipeline) OnInitError(ctx context.Context, err *recognition.InitializationError) {
	engineErrorsTotal.WithLabelValues("init", strconv.Itoa(err.Code)).Inc()
	p.logger.Error("recognition engine failed to initialize", "code", err.Code, "error", err)
	p.setLastError(err)

	if p.stopped.CompareAndSwap(false, true) {
		p.fatal <- err
	}
}

// OnUpdateError implements recognition.Handler. Update errors are transient.
func (p *Pipeline) OnUpdateError(ctx context.Context, err *recognition.UpdateError) {
	engineErrorsTotal.WithLabelValues("update", strconv.Itoa(err.Code)).Inc()
	p.logger.Warn("recognition engine update error", "code", err.Code, "error", err)
}

// OnScanStateChanged implements recognition.Handler. Entering the scanning
// state clears every tracked anchor and augmentation. The engine leaving the
// scanning state does not move the gate; it settles when a run completes.
func (p *Pipeline) OnScanStateChanged(ctx context.Context, scanning bool) {
	if !scanning {
		p.logger.Debug("recognition engine stopped scanning")
		return
	}
	if err := p.cfg.Scan.BeginScanning(ctx); err != nil {
		p.logger.Error("failed to begin scanning", "error", err)
	}
}

// OnNewSearchResult implements recognition.Handler.
func (p *Pipeline) OnNewSearchResult(ctx context.Context, result recognition.SearchResult) {
	if _, err := p.OnResult(ctx, result); err != nil {
		p.logger.Warn("recognition result dropped", "metadata", result.Metadata, "error", err)
	}
}
