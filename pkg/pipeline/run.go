package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp-forge/augment/pkg/assetcache"
	"github.com/hashicorp-forge/augment/pkg/assetid"
	"github.com/hashicorp-forge/augment/pkg/bundle"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
	"github.com/hashicorp-forge/augment/pkg/models"
	"github.com/hashicorp-forge/augment/pkg/registry"
	"github.com/hashicorp-forge/augment/pkg/scan"
	"github.com/hashicorp-forge/augment/pkg/transform"
)

// Step names, as recorded in run step results.
const (
	StepLookup    = "lookup"
	StepFetch     = "fetch"
	StepResolve   = "resolve"
	StepTransform = "transform"
	StepRegister  = "register"
)

// execute runs the steps of r and settles the scan gate.
func (p *Pipeline) execute(ctx context.Context, r *run) Result {
	start := time.Now()
	res := Result{Event: r.ev}
	id := r.ev.ID

	if r.record != nil {
		if err := r.record.Start(p.cfg.DB); err != nil {
			p.logger.Warn("failed to mark run as running", "seq", r.ev.Seq, "error", err)
		}
	}

	// Lookup, and fetch on a miss. Concurrent misses share one fetch.
	stepStart := time.Now()
	var pkg *bundle.Package
	entry, cacheOutcome, err := p.cfg.Cache.GetOrFetch(ctx, id, p.fetchFunc(id, &pkg))
	p.observe(StepFetch, stepStart)
	if err != nil {
		err = normalizeFetchError(id, err)
		p.recordStep(r, StepFetch, models.StepStatusFailed, map[string]interface{}{"error": err.Error()})
		return p.finish(ctx, r, res, start, StepFetch, scan.Failed, err)
	}
	res.Cache = cacheOutcome
	hit := cacheOutcome == assetcache.OutcomeHit
	p.recordStep(r, StepLookup, models.StepStatusSuccess, map[string]interface{}{"hit": hit})
	if hit {
		p.recordStep(r, StepFetch, models.StepStatusSkipped, nil)
	} else {
		p.recordStep(r, StepFetch, models.StepStatusSuccess, map[string]interface{}{
			"outcome":     string(cacheOutcome),
			"bytes":       len(entry.Bytes),
			"duration_ms": time.Since(stepStart).Milliseconds(),
		})
	}
	if r.record != nil {
		r.record.CacheHit = hit
	}

	// A clear while we were fetching invalidates the anchor.
	if !p.cfg.Scan.Valid(r.gen) {
		return p.finish(ctx, r, res, start, StepFetch, scan.Discarded, registry.ErrInvalidated)
	}

	// Resolve. Only the run that fetched holds a decoded package; hits and
	// coalesced followers decode the cached bytes.
	stepStart = time.Now()
	if pkg == nil {
		pkg, err = decodePackage(entry.Bytes)
		if err != nil {
			err = fetcher.Corrupt(id, err)
			p.recordStep(r, StepResolve, models.StepStatusFailed, map[string]interface{}{"error": err.Error()})
			return p.finish(ctx, r, res, start, StepResolve, scan.Failed, err)
		}
	}
	asset, err := bundle.Resolve(pkg, id)
	p.observe(StepResolve, stepStart)
	if err != nil {
		p.recordStep(r, StepResolve, models.StepStatusFailed, map[string]interface{}{"error": err.Error()})
		return p.finish(ctx, r, res, start, StepResolve, scan.Failed, err)
	}
	p.recordStep(r, StepResolve, models.StepStatusSuccess, map[string]interface{}{"objects": pkg.Len()})

	// Transform.
	positioned := transform.Apply(asset)
	p.recordStep(r, StepTransform, models.StepStatusSuccess, nil)

	// Register, evicting the predecessor in the lineage.
	stepStart = time.Now()
	inst, err := p.cfg.Registry.RegisterAndEvictPrevious(ctx, registry.Registration{
		Key:    r.key,
		Seq:    r.ev.Seq,
		Anchor: r.ev.Anchor,
		Asset:  positioned,
		Valid:  func() bool { return p.cfg.Scan.Valid(r.gen) },
	})
	p.observe(StepRegister, stepStart)
	if err != nil {
		p.recordStep(r, StepRegister, models.StepStatusFailed, map[string]interface{}{"error": err.Error()})
		if errors.Is(err, registry.ErrInvalidated) || errors.Is(err, registry.ErrSuperseded) {
			return p.finish(ctx, r, res, start, StepRegister, scan.Discarded, err)
		}
		return p.finish(ctx, r, res, start, StepRegister, scan.Failed, err)
	}
	p.recordStep(r, StepRegister, models.StepStatusSuccess, map[string]interface{}{"handle": uint64(inst.Handle)})

	res.Instance = inst
	return p.finish(ctx, r, res, start, "", scan.Applied, nil)
}

// decodePackage is replaced in tests to count decodes.
var decodePackage = bundle.Decode

// fetchFunc fetches id and checks that the bytes decode, so that a corrupt
// package is never cached. The decoded package is stored in *decoded.
func (p *Pipeline) fetchFunc(id assetid.ID, decoded **bundle.Package) assetcache.FetchFunc {
	return func(ctx context.Context) ([]byte, error) {
		data, err := p.cfg.Fetcher.Fetch(ctx, id, assetid.HashOf(id))
		if err != nil {
			return nil, err
		}
		pkg, err := decodePackage(data)
		if err != nil {
			return nil, fetcher.Corrupt(id, err)
		}
		*decoded = pkg
		return data, nil
	}
}

// normalizeFetchError makes an expired fetch deadline a timeout fetch error.
func normalizeFetchError(id assetid.ID, err error) error {
	var fe *fetcher.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &fetcher.Error{Kind: fetcher.KindTimeout, ID: id, Err: err}
	}
	return err
}

func (p *Pipeline) finish(ctx context.Context, r *run, res Result, start time.Time, step string, outcome scan.Outcome, err error) Result {
	effective, settled := p.cfg.Scan.Settle(ctx, r.ev.Seq, r.gen, outcome)
	if effective != outcome {
		// A scan cleared the anchor after the step outcome was decided; a
		// registered instance has been evicted with it.
		outcome, err = effective, registry.ErrInvalidated
		res.Instance = nil
		if step == "" {
			step = StepRegister
		}
	}
	res.Outcome = outcome
	res.Step = step
	res.Err = err
	res.Settled = settled
	res.Duration = time.Since(start)

	runsTotal.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case scan.Applied:
		p.logger.Info("augmentation displayed",
			"id", r.ev.ID,
			"seq", r.ev.Seq,
			"key", r.key,
			"cache", res.Cache,
			"handle", res.Instance.Handle,
			"duration", res.Duration,
		)
		if r.record != nil {
			if derr := r.record.MarkAsDisplayed(p.cfg.DB); derr != nil {
				p.logger.Warn("failed to mark run as displayed", "seq", r.ev.Seq, "error", derr)
			}
		}
	case scan.Discarded:
		p.logger.Info("run discarded",
			"id", r.ev.ID,
			"seq", r.ev.Seq,
			"step", step,
			"reason", err,
		)
		if r.record != nil {
			if derr := r.record.MarkAsDiscarded(p.cfg.DB, step, err); derr != nil {
				p.logger.Warn("failed to mark run as discarded", "seq", r.ev.Seq, "error", derr)
			}
		}
	default:
		p.setLastError(err)
		fields := append([]interface{}{
			"id", r.ev.ID,
			"seq", r.ev.Seq,
			"step", step,
			"settled", res.Settled,
			"error", err,
		}, errorFields(err)...)
		p.logger.Error("pipeline run failed", fields...)
		if r.record != nil {
			if derr := r.record.MarkAsFailed(p.cfg.DB, step, err); derr != nil {
				p.logger.Warn("failed to mark run as failed", "seq", r.ev.Seq, "error", derr)
			}
		}
	}

	if p.cfg.OnRunComplete != nil {
		p.cfg.OnRunComplete(res)
	}
	return res
}

// errorFields returns log fields describing a typed run error.
func errorFields(err error) []interface{} {
	var fe *fetcher.Error
	if errors.As(err, &fe) {
		fields := []interface{}{"error_kind", string(fe.Kind)}
		if fe.Status != 0 {
			fields = append(fields, "status", fe.Status)
		}
		return fields
	}
	var nf *bundle.AssetNotFoundError
	if errors.As(err, &nf) {
		return []interface{}{"error_kind", "asset_not_found", "available", nf.Available}
	}
	return nil
}

func (p *Pipeline) recordStep(r *run, step, status string, details map[string]interface{}) {
	if r.record == nil {
		return
	}
	if err := r.record.RecordStepResult(p.cfg.DB, step, status, details); err != nil {
		p.logger.Warn("failed to record step result", "seq", r.ev.Seq, "step", step, "error", err)
	}
}

func (p *Pipeline) observe(step string, start time.Time) {
	stepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}
