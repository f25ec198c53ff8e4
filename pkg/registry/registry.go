// Package registry tracks the displayed augmentation instances per anchor
// lineage and evicts the predecessor when a new one is registered.
//
// Instances are found through the handle captured when they were created,
// never by name. Register and evict operations are serialized per lineage;
// different lineages never contend on the same lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hashicorp-forge/augment/pkg/assetid"
	"github.com/hashicorp-forge/augment/pkg/scene"
	"github.com/hashicorp-forge/augment/pkg/transform"
)

var (
	// ErrSuperseded is returned when the lineage already holds a registration
	// with a higher sequence number. Nothing is instantiated.
	ErrSuperseded = errors.New("registration superseded by a newer recognition")

	// ErrInvalidated is returned when the registration's validity check fails,
	// i.e. its anchor was cleared while the run was in flight.
	ErrInvalidated = errors.New("anchor invalidated before registration")
)

// historyDepth bounds the per-lineage history kept for inspection.
const historyDepth = 8

var (
	liveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "augment_registry_live_instances",
		Help: "Augmentation instances currently displayed",
	})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "augment_registry_evictions_total",
		Help: "Instance evictions by reason",
	}, []string{"reason"})
)

// Registration describes a positioned asset ready for display.
type Registration struct {
	// Key is the lineage the instance belongs to.
	Key string
	// Seq is the arrival sequence number of the recognition event.
	Seq    uint64
	Anchor string
	Asset  transform.PositionedAsset
	// Valid, when set, is evaluated under the lineage lock right before
	// instantiation.
	Valid func() bool
}

// Instance is a displayed augmentation.
type Instance struct {
	ID     assetid.ID
	Handle scene.Handle
	Key    string
	Anchor string
	Seq    uint64
	Pose   transform.Pose
	Live   bool
}

type lineage struct {
	mu      sync.Mutex
	lastSeq uint64
	history []*Instance
	// retired is set once EvictAll has dropped the lineage from the
	// registry. A retired lineage must not take new registrations.
	retired bool
}

// last returns the most recent registration, live or not.
func (l *lineage) last() *Instance {
	if len(l.history) == 0 {
		return nil
	}
	return l.history[len(l.history)-1]
}

// Registry holds the augmentation lineages.
type Registry struct {
	scene  scene.Scene
	logger hclog.Logger

	mu       sync.Mutex
	lineages map[string]*lineage
}

// New creates a registry that displays instances in sc.
func New(sc scene.Scene, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		scene:    sc,
		logger:   logger.Named("registry"),
		lineages: make(map[string]*lineage),
	}
}

// lock returns lineage key, creating it if needed, with its lock held.
func (r *Registry) lock(key string) *lineage {
	for {
		r.mu.Lock()
		l, ok := r.lineages[key]
		if !ok {
			l = &lineage{}
			r.lineages[key] = l
		}
		r.mu.Unlock()

		l.mu.Lock()
		if !l.retired {
			return l
		}
		l.mu.Unlock()
	}
}

// find returns lineage key without creating it.
func (r *Registry) find(key string) (*lineage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lineages[key]
	return l, ok
}

func (r *Registry) snapshot() map[string]*lineage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*lineage, len(r.lineages))
	for k, l := range r.lineages {
		out[k] = l
	}
	return out
}

// Lineages returns the number of lineages the registry tracks.
func (r *Registry) Lineages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lineages)
}

// RegisterAndEvictPrevious instantiates the asset, applies its pose and
// evicts the immediately preceding instance of the lineage if it is still
// live. Instances further back are never touched.
func (r *Registry) RegisterAndEvictPrevious(ctx context.Context, reg Registration) (*Instance, error) {
	if reg.Asset.Asset == nil {
		return nil, fmt.Errorf("registration has no asset")
	}

	l := r.lock(reg.Key)
	defer l.mu.Unlock()

	if reg.Seq <= l.lastSeq {
		return nil, fmt.Errorf("seq %d in lineage %q (latest %d): %w", reg.Seq, reg.Key, l.lastSeq, ErrSuperseded)
	}
	if reg.Valid != nil && !reg.Valid() {
		return nil, ErrInvalidated
	}

	id := reg.Asset.Asset.ID
	h, err := r.scene.Instantiate(ctx, id.String(), reg.Asset.Asset.Prefab, reg.Anchor)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %q: %w", id, err)
	}
	if err := r.scene.SetTransform(ctx, h, reg.Asset.Pose); err != nil {
		_ = r.scene.Destroy(ctx, h)
		return nil, fmt.Errorf("failed to set transform of %q: %w", id, err)
	}

	prev := l.last()

	inst := &Instance{
		ID:     id,
		Handle: h,
		Key:    reg.Key,
		Anchor: reg.Anchor,
		Seq:    reg.Seq,
		Pose:   reg.Asset.Pose,
		Live:   true,
	}
	l.lastSeq = reg.Seq
	l.history = append(l.history, inst)
	if len(l.history) > historyDepth {
		l.history = l.history[len(l.history)-historyDepth:]
	}
	liveInstances.Inc()

	if prev != nil && prev.Live {
		r.evict(ctx, prev, "replaced")
		r.logger.Info("replaced augmentation",
			"key", reg.Key,
			"evicted_id", prev.ID,
			"evicted_seq", prev.Seq,
			"id", id,
			"seq", reg.Seq,
		)
	} else {
		r.logger.Info("registered augmentation", "key", reg.Key, "id", id, "seq", reg.Seq)
	}

	out := *inst
	return &out, nil
}

// evict destroys inst. The caller holds the lineage lock. A handle the scene
// no longer knows is treated as already evicted.
func (r *Registry) evict(ctx context.Context, inst *Instance, reason string) {
	if !inst.Live {
		return
	}
	inst.Live = false
	liveInstances.Dec()
	evictionsTotal.WithLabelValues(reason).Inc()

	if err := r.scene.Destroy(ctx, inst.Handle); err != nil {
		if errors.Is(err, scene.ErrUnknownHandle) {
			r.logger.Debug("instance already destroyed", "handle", inst.Handle, "id", inst.ID)
			return
		}
		r.logger.Warn("failed to destroy instance", "handle", inst.Handle, "id", inst.ID, "error", err)
	}
}

// Evict destroys the instance with handle h in lineage key. Evicting an
// unknown or already evicted handle is a no-op.
func (r *Registry) Evict(ctx context.Context, key string, h scene.Handle) {
	l, ok := r.find(key)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, inst := range l.history {
		if inst.Handle == h {
			r.evict(ctx, inst, "explicit")
			return
		}
	}
}

// EvictAll destroys every live instance in every lineage, drops the
// lineages and returns how many instances were evicted.
func (r *Registry) EvictAll(ctx context.Context) int {
	n := 0
	for key, l := range r.snapshot() {
		l.mu.Lock()
		for _, inst := range l.history {
			if inst.Live {
				r.evict(ctx, inst, "cleared")
				n++
			}
		}
		l.retired = true
		r.mu.Lock()
		if r.lineages[key] == l {
			delete(r.lineages, key)
		}
		r.mu.Unlock()
		l.mu.Unlock()
	}
	if n > 0 {
		r.logger.Info("cleared all augmentations", "evicted", n)
	}
	return n
}

// Current returns the live instance of lineage key.
func (r *Registry) Current(key string) (*Instance, bool) {
	r.mu.Lock()
	l, ok := r.lineages[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.history) - 1; i >= 0; i-- {
		if l.history[i].Live {
			out := *l.history[i]
			return &out, true
		}
	}
	return nil, false
}

// Live returns all live instances ordered by sequence number.
func (r *Registry) Live() []Instance {
	var out []Instance
	for _, l := range r.snapshot() {
		l.mu.Lock()
		for _, inst := range l.history {
			if inst.Live {
				out = append(out, *inst)
			}
		}
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
