package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/compemperor/engram/internal/model"
)

// AutoLink connects id to its nearest active neighbours with related_to
// edges. The neighbours considered are the closest `neighbors` active
// records, widened to keep every record tied at the boundary. Only those at
// or above the auto-link threshold qualify, and at most auto_link_max edges
// are created, highest similarity first and ties to the newest record. A
// failed or timed out search creates no edges.
func (e *Engine) AutoLink(ctx context.Context, id string, vec []float64) ([]model.Edge, error) {
	cfg := e.cfg.Linker
	searchCtx := ctx
	if cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, cfg.SearchTimeout)
		defer cancel()
	}

	// the index also holds dormant and archived vectors
	hits, err := e.index.Search(searchCtx, vec, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: neighbour search: %w", model.ErrCollaboratorUnavailable, err)
	}

	type neighbour struct {
		rec *model.Record
		sim float64
	}
	var candidates []neighbour
	for _, h := range hits {
		if h.Similarity < cfg.AutoLinkThreshold {
			break
		}
		if n := len(candidates); cfg.Neighbors > 0 && n >= cfg.Neighbors && h.Similarity < candidates[n-1].sim {
			break
		}
		if h.ID == id {
			continue
		}
		r, err := e.store.Get(h.ID)
		if err != nil || r.State != model.StateActive {
			continue
		}
		candidates = append(candidates, neighbour{rec: r, sim: h.Similarity})
	}
	slices.SortFunc(candidates, func(a, b neighbour) int {
		return cmp.Or(cmp.Compare(b.sim, a.sim), b.rec.CreatedAt.Compare(a.rec.CreatedAt))
	})

	var created []model.Edge
	for _, c := range candidates {
		if len(created) >= cfg.AutoLinkMax {
			break
		}
		edge := model.Edge{
			From:       id,
			To:         c.rec.ID,
			Relation:   model.RelatedTo,
			Confidence: clamp01(c.sim),
			Metadata:   map[string]string{"similarity": strconv.FormatFloat(c.sim, 'f', 4, 64)},
			Auto:       true,
			CreatedAt:  e.now(),
		}
		added, err := e.store.AddEdge(ctx, edge)
		if errors.Is(err, model.ErrInvariantViolation) {
			e.logger.Debug("auto-link cap reached", "id", id)
			break
		}
		if err != nil {
			return created, err
		}
		if added {
			created = append(created, edge)
		}
	}
	e.metrics.RecordAutoLinks(len(created))
	return created, nil
}

// AddRelationship records a manual edge of any relation type. Manual edges
// bypass the similarity threshold and the per-record cap. The bool reports
// whether the edge is new.
func (e *Engine) AddRelationship(ctx context.Context, from, to string, relation model.Relation, confidence float64, metadata map[string]string) (model.Edge, bool, error) {
	rel, err := model.ParseRelation(string(relation))
	if err != nil {
		return model.Edge{}, false, err
	}
	edge := model.Edge{
		From:       from,
		To:         to,
		Relation:   rel,
		Confidence: confidence,
		Metadata:   metadata,
		CreatedAt:  e.now(),
	}
	added, err := e.store.AddEdge(ctx, edge)
	if err != nil {
		return model.Edge{}, false, err
	}
	return edge, added, nil
}

// RelatedOptions bounds FindRelated.
type RelatedOptions struct {
	Depth           int            `json:"depth,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	Relation        model.Relation `json:"relation,omitempty"`
	IncludeDormant  bool           `json:"include_dormant,omitempty"`
	IncludeArchived bool           `json:"include_archived,omitempty"`
}

// Related is a record reached by graph traversal.
type Related struct {
	Record     *model.Record  `json:"record"`
	Depth      int            `json:"depth"`
	Relation   model.Relation `json:"relation"`
	Confidence float64        `json:"confidence"`
}

// FindRelated walks the graph breadth-first from id over edges in both
// directions, up to opts.Depth hops (1-3) and opts.Limit results. The
// origin is never returned. Dormant and archived records are skipped and
// not expanded unless requested.
func (e *Engine) FindRelated(ctx context.Context, id string, opts RelatedOptions) ([]Related, error) {
	if _, err := e.store.Get(id); err != nil {
		return nil, err
	}
	if opts.Relation != "" {
		if _, err := model.ParseRelation(string(opts.Relation)); err != nil {
			return nil, err
		}
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}
	depth = min(depth, max(1, e.cfg.Linker.MaxDepth))
	limit := opts.Limit
	if limit <= 0 {
		limit = cmp.Or(e.cfg.Linker.RelatedLimit, 25)
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Related
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []string
		for _, cur := range frontier {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			for _, edge := range e.store.Edges(cur) {
				if opts.Relation != "" && edge.Relation != opts.Relation {
					continue
				}
				other := edge.Other(cur)
				if visited[other] {
					continue
				}
				visited[other] = true

				r, err := e.store.Get(other)
				if err != nil {
					continue
				}
				r = e.refresh(ctx, r)
				if !opts.allows(r.State) {
					continue
				}
				out = append(out, Related{Record: r, Depth: level, Relation: edge.Relation, Confidence: edge.Confidence})
				if len(out) >= limit {
					return out, nil
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return out, nil
}

func (o RelatedOptions) allows(s model.State) bool {
	switch s {
	case model.StateDormant:
		return o.IncludeDormant
	case model.StateArchived:
		return o.IncludeArchived
	}
	return true
}
