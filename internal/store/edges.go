package store

import (
	"cmp"
	"slices"
	"strings"

	"github.com/compemperor/engram/internal/model"
)

// edgeIndex keeps edges apart from records so traversal in either direction
// never needs back-references between record objects.
type edgeIndex struct {
	out  map[string][]model.Edge
	in   map[string][]model.EdgeKey
	keys map[model.EdgeKey]struct{}
}

func newEdgeIndex() *edgeIndex {
	return &edgeIndex{
		out:  make(map[string][]model.Edge),
		in:   make(map[string][]model.EdgeKey),
		keys: make(map[model.EdgeKey]struct{}),
	}
}

func (x *edgeIndex) has(k model.EdgeKey) bool {
	_, ok := x.keys[k]
	return ok
}

// add inserts e and reports whether it was new.
func (x *edgeIndex) add(e model.Edge) bool {
	k := e.Key()
	if x.has(k) {
		return false
	}
	x.keys[k] = struct{}{}
	x.out[e.From] = append(x.out[e.From], e)
	x.in[e.To] = append(x.in[e.To], k)
	return true
}

func (x *edgeIndex) outgoing(id string) []model.Edge {
	return slices.Clone(x.out[id])
}

func (x *edgeIndex) incoming(id string) []model.Edge {
	keys := x.in[id]
	edges := make([]model.Edge, 0, len(keys))
	for _, k := range keys {
		for _, e := range x.out[k.From] {
			if e.Key() == k {
				edges = append(edges, e)
				break
			}
		}
	}
	return edges
}

func (x *edgeIndex) outDegree(id string) int {
	return len(x.out[id])
}

func (x *edgeIndex) all() []model.Edge {
	var edges []model.Edge
	for _, es := range x.out {
		edges = append(edges, es...)
	}
	slices.SortFunc(edges, func(a, b model.Edge) int {
		return cmp.Or(
			a.CreatedAt.Compare(b.CreatedAt),
			strings.Compare(a.From, b.From),
			strings.Compare(a.To, b.To),
			strings.Compare(string(a.Relation), string(b.Relation)),
		)
	})
	return edges
}

func (x *edgeIndex) len() int {
	return len(x.keys)
}
