package engine

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
)

// Hit is one nearest-neighbour result.
type Hit struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// VectorIndex is the nearest-neighbour collaborator.
type VectorIndex interface {
	Upsert(id string, vec []float64)
	// Search returns hits best first; k <= 0 returns every vector.
	Search(ctx context.Context, vec []float64, k int) ([]Hit, error)
	// Rebuild replaces the whole index. Calling it twice with the same
	// vectors leaves the index unchanged.
	Rebuild(vectors map[string][]float64)
	Len() int
}

// MemoryIndex is an exact in-process index using cosine similarity.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float64
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string][]float64)}
}

func (x *MemoryIndex) Upsert(id string, vec []float64) {
	x.mu.Lock()
	x.vectors[id] = slices.Clone(vec)
	x.mu.Unlock()
}

func (x *MemoryIndex) Rebuild(vectors map[string][]float64) {
	fresh := make(map[string][]float64, len(vectors))
	for id, v := range vectors {
		fresh[id] = slices.Clone(v)
	}
	x.mu.Lock()
	x.vectors = fresh
	x.mu.Unlock()
}

func (x *MemoryIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Vector returns the stored vector for id.
func (x *MemoryIndex) Vector(id string) ([]float64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.vectors[id]
	return v, ok
}

// Search returns the k most similar vectors, best first. A non-positive k
// returns every vector. Vectors of a different dimension are skipped.
func (x *MemoryIndex) Search(ctx context.Context, vec []float64, k int) ([]Hit, error) {
	x.mu.RLock()
	hits := make([]Hit, 0, len(x.vectors))
	i := 0
	for id, v := range x.vectors {
		if i++; i%256 == 0 {
			if err := ctx.Err(); err != nil {
				x.mu.RUnlock()
				return nil, err
			}
		}
		if len(v) != len(vec) {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: CosineSimilarity(vec, v)})
	}
	x.mu.RUnlock()

	slices.SortFunc(hits, func(a, b Hit) int {
		return cmp.Or(cmp.Compare(b.Similarity, a.Similarity), strings.Compare(a.ID, b.ID))
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, ctx.Err()
}
