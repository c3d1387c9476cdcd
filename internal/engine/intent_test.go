package engine

import (
	"context"
	"testing"
	"time"

	"github.com/compemperor/engram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		query      string
		want       Intent
		confidence float64
		secondary  Intent
	}{
		{"how do I cut a release", IntentProcedural, 0.5, ""},
		{"What is a goroutine", IntentFactLookup, 0.5, ""},
		{"latest changes to the scheduler", IntentTemporal, 0.4, ""},
		{"do you remember the scheduler notes", IntentRecall, 0.4, ""},
		{"when did we switch to WAL", IntentTemporal, 0.6, ""},
		{"goroutines", IntentFactLookup, 0.05, ""},
		{"channels buffered sends block", IntentFactLookup, 0.3, ""},
		{"what is related to channels", IntentFactLookup, 0.5, IntentRelationship},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c := ClassifyIntent(tt.query)
			assert.Equal(t, tt.want, c.Intent)
			assert.InDelta(t, tt.confidence, c.Confidence, 0.001)
			assert.Equal(t, tt.secondary, c.Secondary)
			assert.Equal(t, intentParams[tt.want], c.Params)
		})
	}
}

func TestClassificationApplyKeepsCallerOptions(t *testing.T) {
	c := ClassifyIntent("what is a goroutine")

	filled := c.Apply(SearchOptions{Topic: "go"})
	assert.Equal(t, SearchOptions{Topic: "go", Limit: 3, MinQuality: 7}, filled)

	kept := c.Apply(SearchOptions{Limit: 9, MinQuality: 2, IncludeDormant: true})
	assert.Equal(t, SearchOptions{Limit: 9, MinQuality: 2, IncludeDormant: true}, kept)
}

func TestSearchIntentFactLookupFiltersLowQuality(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.emb.set("what is a goroutine", axis(3))
	good := h.put(t, &model.Record{Topic: "go", Content: "A goroutine is a green thread.", Quality: 9}, near(3, 4, 0.9))
	h.put(t, &model.Record{Topic: "go", Content: "goroutine stuff", Quality: 5}, near(3, 5, 0.95))

	plain, err := h.eng.SearchText(ctx, "what is a goroutine", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, plain, 2)

	res, err := h.eng.SearchIntent(ctx, "what is a goroutine", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, IntentFactLookup, res.Classification.Intent)
	assert.Equal(t, 7, res.Options.MinQuality)
	require.Len(t, res.Results, 1)
	assert.Equal(t, good.ID, res.Results[0].Record.ID)

	_, err = h.eng.SearchIntent(ctx, "  ", SearchOptions{})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestSearchRecencyBoost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fresh := h.put(t, &model.Record{Topic: "go", Content: "fresh", Quality: 9, CreatedAt: epoch}, axis(0))
	week := h.put(t, &model.Record{Topic: "go", Content: "week old", Quality: 9, CreatedAt: epoch.Add(-7 * 24 * time.Hour)}, axis(0))

	results, err := h.eng.Search(ctx, axis(0), SearchOptions{RecencyBoost: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	factors := map[string]float64{fresh.ID: 2, week.ID: 1.5}
	for _, r := range results {
		assert.InDelta(t, r.Similarity*r.Record.Strength*factors[r.Record.ID], r.Score, 1e-9, r.Record.Content)
	}
}

func TestRecencyFactor(t *testing.T) {
	now := epoch
	assert.Equal(t, 1.0, recencyFactor(0, now, now))
	assert.Equal(t, 1.0, recencyFactor(1, now, now))
	assert.InDelta(t, 2, recencyFactor(2, now, now), 1e-9)
	assert.InDelta(t, 2, recencyFactor(2, now.Add(time.Hour), now), 1e-9, "future timestamps count as fresh")
	assert.InDelta(t, 1.25, recencyFactor(2, now.Add(-14*24*time.Hour), now), 1e-9)
}
