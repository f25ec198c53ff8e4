// Package scene is the boundary to the rendering engine.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/augment/pkg/transform"
)

// ErrUnknownHandle is returned for a handle that was never issued or was
// already destroyed.
var ErrUnknownHandle = errors.New("unknown display handle")

// Handle identifies one instantiated object. Handles are never reused.
type Handle uint64

// Scene creates and destroys displayed objects.
type Scene interface {
	// Instantiate creates an object from prefab attached to anchor.
	Instantiate(ctx context.Context, name string, prefab []byte, anchor string) (Handle, error)
	// Destroy removes the object. Destroying an unknown handle returns
	// ErrUnknownHandle.
	Destroy(ctx context.Context, h Handle) error
	// SetTransform sets the object's local pose.
	SetTransform(ctx context.Context, h Handle, pose transform.Pose) error
}

// Node is one object in a Memory scene.
type Node struct {
	Handle Handle
	Name   string
	Anchor string
	Prefab []byte
	Pose   transform.Pose
}

// Memory is an in-process scene graph.
type Memory struct {
	mu     sync.Mutex
	next   Handle
	nodes  map[Handle]*Node
	logger hclog.Logger
}

// NewMemory creates an empty scene.
func NewMemory(logger hclog.Logger) *Memory {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Memory{
		nodes:  make(map[Handle]*Node),
		logger: logger.Named("scene"),
	}
}

// Instantiate implements Scene.
func (m *Memory) Instantiate(ctx context.Context, name string, prefab []byte, anchor string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	h := m.next
	m.nodes[h] = &Node{
		Handle: h,
		Name:   name,
		Anchor: anchor,
		Prefab: prefab,
	}

	m.logger.Debug("instantiated object", "handle", h, "name", name, "anchor", anchor)
	return h, nil
}

// Destroy implements Scene.
func (m *Memory) Destroy(ctx context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[h]; !ok {
		return fmt.Errorf("destroy %d: %w", h, ErrUnknownHandle)
	}
	delete(m.nodes, h)

	m.logger.Debug("destroyed object", "handle", h)
	return nil
}

// SetTransform implements Scene.
func (m *Memory) SetTransform(ctx context.Context, h Handle, pose transform.Pose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[h]
	if !ok {
		return fmt.Errorf("set transform %d: %w", h, ErrUnknownHandle)
	}
	n.Pose = pose
	return nil
}

// Get returns a copy of the node for h.
func (m *Memory) Get(h Handle) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[h]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all live nodes ordered by handle.
func (m *Memory) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Len returns the number of live nodes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}
