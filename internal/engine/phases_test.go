package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/llm"
	"github.com/compemperor/engram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPhaseUnknown(t *testing.T) {
	h := newHarness(t)
	rep := h.eng.RunPhase(context.Background(), Phase("dream"))
	assert.Contains(t, rep.Err, "unknown phase")
}

func TestRunPhaseCancelled(t *testing.T) {
	h := newHarness(t)
	h.add(t, "x", "Something.", 9, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.eng.RunPhase(ctx, PhaseFade)
	assert.Equal(t, context.Canceled.Error(), rep.Err)
	assert.Zero(t, rep.Examined)
}

func TestFadeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	db := h.eng.store.DB()

	weak := h.put(t, &model.Record{
		Topic: "x", Content: "weak", Quality: 2, RecallAttempts: 1,
		CreatedAt: epoch.Add(-90 * 24 * time.Hour),
	}, nil)
	healthy := h.add(t, "x", "Healthy.", 9, nil)
	require.Equal(t, model.StateActive, weak.State)

	rep := h.eng.RunPhase(ctx, PhaseFade)
	assert.Empty(t, rep.Err)
	assert.Equal(t, 2, rep.Examined)
	assert.Equal(t, 1, rep.Changed)
	assert.Equal(t, []string{weak.ID}, rep.Dormant)

	got, err := h.eng.store.Get(weak.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDormant, got.State)

	weakWrites, err := db.MutationCount(weak.ID)
	require.NoError(t, err)
	healthyWrites, err := db.MutationCount(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, healthyWrites, "strength-only changes are not journaled")

	rep = h.eng.RunPhase(ctx, PhaseFade)
	assert.Zero(t, rep.Changed)
	n, err := db.MutationCount(weak.ID)
	require.NoError(t, err)
	assert.Equal(t, weakWrites, n, "a second fade writes nothing")
}

func TestReplayReinforcesAtRiskRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := epoch.Add(-40 * 24 * time.Hour)

	atRisk := h.put(t, &model.Record{Topic: "x", Content: "at risk", Quality: 5, RecallAttempts: 1, CreatedAt: old}, nil)
	h.put(t, &model.Record{
		Topic: "x", Content: "reflection at risk", Quality: 5, RecallAttempts: 1,
		CreatedAt: old, Origin: model.OriginReflection,
	}, nil)
	h.add(t, "x", "Healthy.", 9, nil)
	thr := h.cfg.Strength.DormantThreshold
	require.GreaterOrEqual(t, atRisk.Strength, thr)
	require.Less(t, atRisk.Strength, thr+h.cfg.Scheduler.Replay.Margin)

	rep := h.eng.RunPhase(ctx, PhaseReplay)
	assert.Empty(t, rep.Err)
	require.Len(t, rep.Replayed, 1)
	item := rep.Replayed[0]
	assert.Equal(t, atRisk.ID, item.ID)
	assert.Greater(t, item.After, item.Before)
	assert.InDelta(t, ReplayScore(atRisk, epoch), item.Score, 1e-9)

	got, err := h.eng.store.Get(atRisk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.Nil(t, got.Review, "replay leaves review schedules alone")
}

func TestReplayScore(t *testing.T) {
	r := &model.Record{Quality: 10, Strength: 0.3, CreatedAt: epoch.Add(-60 * 24 * time.Hour)}
	assert.InDelta(t, 0.3+0.7*0.4+0.3, ReplayScore(r, epoch), 1e-9)

	r = &model.Record{Quality: 5, Strength: 0.3, AccessCount: 10, CreatedAt: epoch.Add(-15 * 24 * time.Hour)}
	assert.InDelta(t, 0.15+0.7*0.5*0.4+0.15, ReplayScore(r, epoch), 1e-9)
}

func compressFixture(t *testing.T, h *harness) (a, b, d, e *model.Record) {
	t.Helper()
	ctx := context.Background()
	a = h.add(t, "go/context", "Use contexts for cancellation. Pass ctx first.", 9, axis(0))
	b = h.add(t, "go/style", "Use contexts for cancellation. Never store ctx in structs.", 8, near(0, 1, 0.95))
	h.add(t, "rust", "Use contexts for cancellation in Go.", 9, near(0, 2, 0.97))

	d = h.put(t, &model.Record{Topic: "other", Content: "d", Quality: 9}, nil)
	e = h.put(t, &model.Record{Topic: "other", Content: "e", Quality: 9}, nil)
	_, _, err := h.eng.AddRelationship(ctx, b.ID, d.ID, model.ExampleOf, 0.9, nil)
	require.NoError(t, err)
	_, _, err = h.eng.AddRelationship(ctx, e.ID, b.ID, model.CausedBy, 0.7, nil)
	require.NoError(t, err)
	_, err = h.eng.SubmitReview(ctx, b.ID, model.OutcomeSuccess)
	require.NoError(t, err)
	return a, b, d, e
}

func TestCompressMergesNearDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, d, e := compressFixture(t, h)

	rep := h.eng.RunPhase(ctx, PhaseCompress)
	assert.Empty(t, rep.Err)
	require.Len(t, rep.Merges, 1)
	g := rep.Merges[0]
	assert.Equal(t, a.ID, g.Survivor, "highest quality survives")
	assert.Equal(t, []string{b.ID}, g.Absorbed)
	assert.True(t, g.Applied)
	assert.GreaterOrEqual(t, g.MinSimilarity, h.cfg.Scheduler.Compress.Threshold)

	survivor, err := h.eng.store.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, survivor.MergedFrom)
	assert.Equal(t, "Use contexts for cancellation. Pass ctx first.\n\nAdditional context: Never store ctx in structs.", survivor.Content)
	assert.Equal(t, 1, survivor.RecallAttempts)
	assert.Equal(t, 1, survivor.RecallSuccesses)
	assert.Zero(t, survivor.AccessCount)

	absorbed, err := h.eng.store.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateArchived, absorbed.State)
	_, indexed := h.eng.index.(*MemoryIndex).Vector(b.ID)
	assert.True(t, indexed, "archived vectors stay indexed")

	var others []string
	for _, edge := range h.eng.store.Edges(a.ID) {
		others = append(others, edge.Other(a.ID))
	}
	assert.Contains(t, others, d.ID, "outgoing edges move to the survivor")
	assert.Contains(t, others, e.ID, "incoming edges are redirected")

	results, err := h.eng.Search(ctx, axis(0), SearchOptions{Limit: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, b.ID, r.Record.ID)
	}
}

func TestCompressAtEdgeCapKeepsManualEdges(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Linker.MaxEdgesPerRecord = 3 })
	ctx := context.Background()
	a := h.add(t, "go/context", "Use contexts for cancellation. Pass ctx first.", 9, axis(0))
	b := h.add(t, "go/style", "Use contexts for cancellation. Never store ctx in structs.", 8, near(0, 1, 0.95))

	other := func() *model.Record {
		return h.put(t, &model.Record{Topic: "other", Content: "x", Quality: 9}, nil)
	}
	x1, x2, x3, y, z := other(), other(), other(), other(), other()
	for _, to := range []*model.Record{x1, x2} {
		_, err := h.eng.store.AddEdge(ctx, model.Edge{From: a.ID, To: to.ID, Relation: model.RelatedTo, Confidence: 0.8, Auto: true})
		require.NoError(t, err)
	}
	_, _, err := h.eng.AddRelationship(ctx, a.ID, x3.ID, model.Supports, 1, nil)
	require.NoError(t, err)
	require.Len(t, h.eng.store.Outgoing(a.ID), 3, "survivor starts at the cap")

	_, _, err = h.eng.AddRelationship(ctx, b.ID, y.ID, model.Contradicts, 1, nil)
	require.NoError(t, err)
	_, err = h.eng.store.AddEdge(ctx, model.Edge{From: b.ID, To: z.ID, Relation: model.RelatedTo, Confidence: 0.8, Auto: true})
	require.NoError(t, err)

	rep := h.eng.RunPhase(ctx, PhaseCompress)
	require.Len(t, rep.Merges, 1)
	g := rep.Merges[0]
	require.True(t, g.Applied)
	assert.Equal(t, a.ID, g.Survivor)
	assert.Equal(t, 1, g.DroppedEdges, "the absorbed auto edge does not fit")

	out := make(map[string]model.Edge)
	for _, e := range h.eng.store.Outgoing(a.ID) {
		out[e.To] = e
	}
	assert.Len(t, out, 4)
	require.Contains(t, out, y.ID, "manual edges carry over past the cap")
	assert.Equal(t, model.Contradicts, out[y.ID].Relation)
	assert.False(t, out[y.ID].Auto)
	assert.NotContains(t, out, z.ID)
	for _, id := range []string{x1.ID, x2.ID, x3.ID} {
		assert.Contains(t, out, id)
	}
}

func TestCompressReportsWithoutAutoApply(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Scheduler.Compress.AutoApply = false })
	_, b, _, _ := compressFixture(t, h)

	rep := h.eng.RunPhase(context.Background(), PhaseCompress)
	require.Len(t, rep.Merges, 1)
	assert.False(t, rep.Merges[0].Applied)
	assert.Zero(t, rep.Changed)

	got, err := h.eng.store.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, got.State)
}

func TestMergeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.add(t, "x", "A.", 9, nil)

	_, err := h.eng.Merge(ctx, a.ID, nil)
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = h.eng.Merge(ctx, a.ID, []string{a.ID})
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = h.eng.Merge(ctx, a.ID, []string{"missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMergeContent(t *testing.T) {
	others := []string{"B. C!", "c!  D?"}
	assert.Equal(t, "A. B.\n\nAdditional context: C! D?", mergeContent("A. B.", others, 2000))
	assert.Equal(t, "A. B.\n\nAdditional context: C!", mergeContent("A. B.", others, 29))
	assert.Equal(t, "A. B.", mergeContent("A. B.", others, 10))
	assert.Equal(t, "A. B.", mergeContent("A. B.", []string{"a.  b."}, 2000))
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Version 1.2 is out. Really!\nNew line\n\n")
	assert.Equal(t, []string{"Version 1.2 is out.", "Really!", "New line"}, got)
	assert.Empty(t, splitSentences("   "))
}

func TestReflectPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var sources []string
	for i := range 5 {
		r := h.put(t, &model.Record{
			Topic: "go/errors", Content: "Lesson number " + string(rune('A'+i)) + ". Details follow.", Quality: 7 + i%3,
		}, nil)
		sources = append(sources, r.ID)
	}
	h.put(t, &model.Record{Topic: "go/errors", Content: "Below the bar.", Quality: 6}, nil)
	for range 4 {
		h.put(t, &model.Record{Topic: "rust", Content: "Not enough of these.", Quality: 9}, nil)
	}

	cands := h.eng.ReflectionCandidates(h.clock.Now())
	require.Len(t, cands, 1)
	assert.Equal(t, ReflectionCandidate{Topic: "go/errors", Records: 5}, cands[0])

	rep := h.eng.RunPhase(ctx, PhaseReflect)
	assert.Empty(t, rep.Err)
	require.Len(t, rep.Reflections, 1)

	r, err := h.eng.store.Get(rep.Reflections[0])
	require.NoError(t, err)
	assert.Equal(t, model.OriginReflection, r.Origin)
	assert.Equal(t, "go/errors", r.Topic)
	assert.ElementsMatch(t, sources, r.DerivedFrom)
	assert.Equal(t, 8, r.Quality, "mean source quality")
	assert.True(t, strings.HasPrefix(r.Content, "Reflection on go/errors across 5 records:"))
	assert.Contains(t, r.Content, "- Lesson number A.")

	out := h.eng.store.Outgoing(r.ID)
	require.Len(t, out, 5)
	for _, e := range out {
		assert.Equal(t, model.DerivedFrom, e.Relation)
	}

	rep = h.eng.RunPhase(ctx, PhaseReflect)
	assert.Zero(t, rep.Examined, "topics are not reflected on again within the cooldown")

	h.clock.Advance(h.cfg.Scheduler.Reflect.Cooldown + time.Hour)
	assert.Len(t, h.eng.ReflectionCandidates(h.clock.Now()), 1)
}

func TestReflectUnknownTopic(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Reflect(context.Background(), "nothing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.eng.Reflect(context.Background(), " ")
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestLLMSynthesizer(t *testing.T) {
	sources := []*model.Record{{Content: "One. More."}, {Content: "Two."}}

	fake := &llm.Fake{Replies: []string{"  Synthesized.  "}}
	s := NewLLMSynthesizer(fake, nil, log.New(io.Discard))
	s.newBackOff = noWait
	text, err := s.Synthesize(context.Background(), "go", sources)
	require.NoError(t, err)
	assert.Equal(t, "Synthesized.", text)
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].User, "TOPIC: go")
}

func TestLLMSynthesizerFallsBack(t *testing.T) {
	sources := []*model.Record{{Content: "One. More."}, {Content: "Two."}}

	flaky := &llm.Fake{Err: errors.New("connection reset")}
	s := NewLLMSynthesizer(flaky, nil, log.New(io.Discard))
	s.newBackOff = noWait
	text, err := s.Synthesize(context.Background(), "go", sources)
	require.NoError(t, err)
	assert.Equal(t, "Reflection on go across 2 records:\n- One.\n- Two.", text)
	assert.Len(t, flaky.Calls(), 3, "transient errors are retried")

	denied := &llm.Fake{Err: &llm.StatusError{Provider: "anthropic", Code: http.StatusUnauthorized}}
	s = NewLLMSynthesizer(denied, nil, log.New(io.Discard))
	s.newBackOff = noWait
	_, err = s.Synthesize(context.Background(), "go", sources)
	require.NoError(t, err)
	assert.Len(t, denied.Calls(), 1, "client errors are not retried")
}
