package scene

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/augment/pkg/transform"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	a, err := m.Instantiate(ctx, "bike", []byte("mesh"), "anchor-1")
	require.NoError(t, err)
	b, err := m.Instantiate(ctx, "bike", []byte("mesh"), "anchor-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "handles are unique even for equal names")

	require.NoError(t, m.SetTransform(ctx, a, transform.Canonical()))
	n, ok := m.Get(a)
	require.True(t, ok)
	assert.Equal(t, transform.Canonical(), n.Pose)

	require.NoError(t, m.Destroy(ctx, a))
	assert.ErrorIs(t, m.Destroy(ctx, a), ErrUnknownHandle)
	assert.ErrorIs(t, m.SetTransform(ctx, a, transform.Pose{}), ErrUnknownHandle)

	nodes := m.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, b, nodes[0].Handle)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_InstantiateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory(nil).Instantiate(ctx, "bike", nil, "")
	assert.ErrorIs(t, err, context.Canceled)
}
