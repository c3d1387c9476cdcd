package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
)

// MergeGroup is a set of near-duplicate records within one topic prefix.
type MergeGroup struct {
	Survivor      string   `json:"survivor"`
	Absorbed      []string `json:"absorbed"`
	MinSimilarity float64  `json:"min_similarity"`
	Applied       bool     `json:"applied"`
	DroppedEdges  int      `json:"dropped_edges,omitempty"`
}

// MergeResult is the outcome of Merge.
type MergeResult struct {
	Record *model.Record   `json:"record"`
	Edges  store.EdgeMerge `json:"edges"`
}

// survivorOrder ranks merge survivors: highest quality, then most
// accessed, then newest.
func survivorOrder(a, b *model.Record) int {
	return cmp.Or(
		cmp.Compare(b.Quality, a.Quality),
		cmp.Compare(b.AccessCount, a.AccessCount),
		b.CreatedAt.Compare(a.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

// DuplicateGroups finds groups of active records under the same topic
// prefix whose embeddings are pairwise at least the compress threshold
// apart. Each record belongs to at most one group; the first member of a
// group is its survivor.
func (e *Engine) DuplicateGroups(ctx context.Context) ([]MergeGroup, int, error) {
	cfg := e.cfg.Scheduler.Compress

	type member struct {
		rec *model.Record
		vec []float64
	}
	byPrefix := make(map[string][]member)
	examined := 0
	for r := range e.store.Query(store.Filter{States: []model.State{model.StateActive}}) {
		if err := ctx.Err(); err != nil {
			return nil, examined, err
		}
		vec := e.vector(r.ID)
		if vec == nil {
			continue
		}
		examined++
		p := model.TopicPrefix(r.Topic)
		byPrefix[p] = append(byPrefix[p], member{rec: r, vec: vec})
	}

	prefixes := make([]string, 0, len(byPrefix))
	for p := range byPrefix {
		prefixes = append(prefixes, p)
	}
	slices.Sort(prefixes)

	var groups []MergeGroup
	for _, p := range prefixes {
		members := byPrefix[p]
		slices.SortFunc(members, func(a, b member) int { return survivorOrder(a.rec, b.rec) })
		used := make([]bool, len(members))

		for i := range members {
			if used[i] {
				continue
			}
			group := []int{i}
			minSim := 1.0
			for j := i + 1; j < len(members) && len(group) < cfg.MaxGroup; j++ {
				if used[j] {
					continue
				}
				lowest, ok := 1.0, true
				for _, k := range group {
					sim := CosineSimilarity(members[j].vec, members[k].vec)
					if sim < cfg.Threshold {
						ok = false
						break
					}
					lowest = min(lowest, sim)
				}
				if ok {
					group = append(group, j)
					minSim = min(minSim, lowest)
				}
			}
			if len(group) < 2 {
				continue
			}
			g := MergeGroup{Survivor: members[i].rec.ID, MinSimilarity: minSim}
			for _, k := range group {
				used[k] = true
				if k != i {
					g.Absorbed = append(g.Absorbed, members[k].rec.ID)
				}
			}
			groups = append(groups, g)
			if cfg.Limit > 0 && len(groups) >= cfg.Limit {
				return groups, examined, nil
			}
		}
	}
	return groups, examined, nil
}

// Merge folds absorbed into survivor: unique absorbed sentences are
// appended to the survivor's content, recall counters are summed,
// provenance is recorded in MergedFrom and the absorbed records are
// archived. Edges are unioned; only auto edges are subject to the
// per-record bound and the ones dropped are counted in the result.
func (e *Engine) Merge(ctx context.Context, survivor string, absorbed []string) (*MergeResult, error) {
	if len(absorbed) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge into %s", model.ErrInvalid, survivor)
	}
	var sources []*model.Record
	for _, id := range absorbed {
		if id == survivor {
			return nil, fmt.Errorf("%w: record %s cannot absorb itself", model.ErrInvalid, id)
		}
		r, err := e.store.Get(id)
		if err != nil {
			return nil, err
		}
		if r.State == model.StateArchived {
			return nil, fmt.Errorf("%w: record %s is archived", model.ErrInvalid, id)
		}
		sources = append(sources, r)
	}

	maxContent := cmp.Or(e.cfg.Scheduler.Compress.MaxContent, maxReflectionLen)
	merged, err := e.store.Update(ctx, survivor, func(r *model.Record) error {
		if r.State == model.StateArchived {
			return fmt.Errorf("%w: survivor %s is archived", model.ErrInvalid, r.ID)
		}
		contents := make([]string, len(sources))
		for i, s := range sources {
			contents[i] = s.Content
			r.RecallAttempts += s.RecallAttempts
			r.RecallSuccesses += s.RecallSuccesses
			for _, id := range append([]string{s.ID}, s.MergedFrom...) {
				if !slices.Contains(r.MergedFrom, id) {
					r.MergedFrom = append(r.MergedFrom, id)
				}
			}
		}
		r.Content = mergeContent(r.Content, contents, maxContent)
		e.strength.Refresh(r, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	edges, err := e.store.MergeEdges(ctx, survivor, absorbed)
	if err != nil {
		e.logger.Warn("merge edges incomplete", "survivor", survivor, "added", edges.Added, "error", err)
	}
	for _, id := range absorbed {
		if err := e.Archive(ctx, id); err != nil {
			return &MergeResult{Record: merged, Edges: edges}, fmt.Errorf("archive absorbed %s: %w", id, err)
		}
	}

	if vec, err := e.embed(ctx, merged.Content); err != nil {
		e.logger.Warn("re-embed survivor failed, keeping previous vector", "id", survivor, "error", err)
	} else {
		e.saveVector(survivor, vec)
	}
	e.logger.Info("records merged", "survivor", survivor, "absorbed", len(absorbed),
		"edges", edges.Added, "dropped_edges", edges.Dropped)
	rec, err := e.store.Get(survivor)
	if err != nil {
		return nil, err
	}
	return &MergeResult{Record: rec, Edges: edges}, nil
}

// compress merges near-duplicate groups when auto-apply is on and reports
// them otherwise.
func (e *Engine) compress(ctx context.Context, rep *PhaseReport) error {
	groups, examined, err := e.DuplicateGroups(ctx)
	rep.Examined = examined
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.cfg.Scheduler.Compress.AutoApply {
			if res, err := e.Merge(ctx, g.Survivor, g.Absorbed); err != nil {
				e.logger.Warn("compress: merge failed", "survivor", g.Survivor, "error", err)
				rep.recordError(g.Survivor, err)
			} else {
				g.Applied = true
				g.DroppedEdges = res.Edges.Dropped
				rep.Changed += len(g.Absorbed)
			}
		}
		rep.Merges = append(rep.Merges, g)
	}
	return nil
}

const additionalContext = "Additional context:"

// mergeContent appends the sentences of others that base does not already
// contain, keeping the result within maxLen bytes.
func mergeContent(base string, others []string, maxLen int) string {
	seen := make(map[string]bool)
	for _, s := range splitSentences(base) {
		seen[sentenceKey(s)] = true
	}
	var extra []string
	for _, o := range others {
		for _, s := range splitSentences(o) {
			k := sentenceKey(s)
			if seen[k] {
				continue
			}
			seen[k] = true
			extra = append(extra, s)
		}
	}
	if len(extra) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	header := "\n\n" + additionalContext
	if b.Len()+len(header) >= maxLen {
		return base
	}
	b.WriteString(header)
	wrote := false
	for _, s := range extra {
		if b.Len()+1+len(s) > maxLen {
			break
		}
		b.WriteByte(' ')
		b.WriteString(s)
		wrote = true
	}
	if !wrote {
		return base
	}
	return b.String()
}

func sentenceKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// splitSentences splits text at sentence-ending punctuation followed by
// whitespace, and at line breaks. Empty sentences are dropped.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i)
		case r == '.' || r == '!' || r == '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	flush(len(runes))
	return out
}
