package decoder

import lru "github.com/hashicorp/golang-lru/v2"

// workspaceKey identifies a workspace-size computation that would otherwise
// be repeated identically every step: a layer's GetWorkspaceSize() is pure
// in (mode, maxBatch, maxBeam) but gets called once per pipeline per setup.
type workspaceKey struct {
	mode     DecodingMode
	maxBatch int
	maxBeam  int
}

// workspaceSizeCache memoizes DynamicDecodePipeline.GetWorkspaceSize()
// results, bounded so a long-running process cycling through many distinct
// (mode, batch, beam) shapes doesn't grow this unboundedly.
const workspaceCacheSize = 64

type workspaceSizeCache struct {
	cache *lru.Cache[workspaceKey, int]
}

func newWorkspaceSizeCache() *workspaceSizeCache {
	c, err := lru.New[workspaceKey, int](workspaceCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// workspaceCacheSize never is.
		panic(err)
	}
	return &workspaceSizeCache{cache: c}
}

// getOrCompute returns the cached size for key, computing and storing it via
// compute on a miss.
func (w *workspaceSizeCache) getOrCompute(key workspaceKey, compute func() int) int {
	if size, ok := w.cache.Get(key); ok {
		return size
	}
	size := compute()
	w.cache.Add(key, size)
	return size
}
