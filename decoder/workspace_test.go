package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceSizeCache_MemoizesPerShape(t *testing.T) {
	c := newWorkspaceSizeCache()
	key := workspaceKey{mode: ModeTopKTopP, maxBatch: 8, maxBeam: 1}

	calls := 0
	compute := func() int {
		calls++
		return 4096
	}

	require.Equal(t, 4096, c.getOrCompute(key, compute))
	require.Equal(t, 4096, c.getOrCompute(key, compute))
	assert.Equal(t, 1, calls, "second lookup with the same shape must hit the cache")
}

func TestWorkspaceSizeCache_DistinctShapesComputeSeparately(t *testing.T) {
	c := newWorkspaceSizeCache()

	small := c.getOrCompute(workspaceKey{mode: ModeTopKTopP, maxBatch: 1, maxBeam: 1}, func() int { return 16 })
	large := c.getOrCompute(workspaceKey{mode: ModeTopKTopP, maxBatch: 64, maxBeam: 1}, func() int { return 1024 })

	assert.Equal(t, 16, small)
	assert.Equal(t, 1024, large)
}

func TestWorkspaceSizeCache_EvictsBeyondCapacity(t *testing.T) {
	c := newWorkspaceSizeCache()

	// Fill past capacity so the first key is evicted, then observe a
	// recompute on the next lookup for it.
	first := workspaceKey{mode: ModeTopKTopP, maxBatch: 0, maxBeam: 0}
	c.getOrCompute(first, func() int { return 1 })
	for i := 1; i <= workspaceCacheSize; i++ {
		c.getOrCompute(workspaceKey{mode: ModeTopKTopP, maxBatch: i, maxBeam: 1}, func() int { return i })
	}

	recomputed := false
	c.getOrCompute(first, func() int {
		recomputed = true
		return 1
	})
	assert.True(t, recomputed, "evicted shape should recompute")
}
