package engine

import (
	"cmp"
	"context"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Intent is the retrieval goal behind a search query.
type Intent string

const (
	IntentFactLookup   Intent = "fact_lookup"
	IntentExploration  Intent = "exploration"
	IntentTemporal     Intent = "temporal"
	IntentProcedural   Intent = "procedural"
	IntentRecall       Intent = "recall"
	IntentRelationship Intent = "relationship"
)

// intents fixes the tie-break order of equal scores.
var intents = []Intent{
	IntentFactLookup, IntentExploration, IntentTemporal,
	IntentProcedural, IntentRecall, IntentRelationship,
}

var intentPatterns = map[Intent][]*regexp.Regexp{
	IntentFactLookup: compileAll(
		`^what is\b`, `^who is\b`, `^where is\b`, `^define\b`,
		`^tell me about\b`, `\bmeaning of\b`, `^explain\b`,
	),
	IntentTemporal: compileAll(
		`\brecent(ly)?\b`, `\blast\s+(week|month|day|time)\b`, `\bwhen did\b`,
		`\bhistory of\b`, `\btimeline\b`, `\btoday\b`, `\byesterday\b`,
		`\bthis week\b`, `\bprevious(ly)?\b`, `\blatest\b`, `\bnew(est)?\b`,
	),
	IntentProcedural: compileAll(
		`^how (do|to|can)\b`, `\bsteps to\b`, `\bworkflow\b`, `\bprocess\b`,
		`\brules? for\b`, `\bprocedure\b`, `\bchecklist\b`, `\brelease cycle\b`,
		`\bbest practice\b`,
	),
	IntentRecall: compileAll(
		`\bwhat did (i|we) learn\b`, `\bremember\b`, `\brecall\b`,
		`\bwhat do (i|you) know\b`, `\bprevious(ly)? (learned|discussed|covered)\b`,
		`\bmy (notes|memories|learnings)\b`,
	),
	IntentRelationship: compileAll(
		`\brelated to\b`, `\bconnect(ed|ion)?\b`, `\bsimilar to\b`, `\blike\b`,
		`\bassociat(ed|ion)\b`, `\blink(ed|s)?\b`,
	),
	IntentExploration: compileAll(
		`\bexplore\b`, `\bdiscover\b`, `\blearn about\b`, `\bresearch\b`,
		`\bfind out\b`, `\binvestigate\b`, `\bwhat (else|more)\b`, `\bbroader\b`,
		`\bdeeper\b`,
	),
}

var intentKeywords = map[Intent][]string{
	IntentFactLookup:   {"definition", "meaning", "what", "who", "where"},
	IntentTemporal:     {"recent", "latest", "new", "old", "history", "when", "date", "time"},
	IntentProcedural:   {"how", "steps", "workflow", "process", "rule", "guide", "tutorial"},
	IntentRecall:       {"remember", "learned", "know", "recall", "memory"},
	IntentRelationship: {"related", "similar", "connection", "link", "associate"},
	IntentExploration:  {"explore", "discover", "research", "find", "investigate"},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// IntentParams are the search settings suited to an intent.
type IntentParams struct {
	Limit          int     `json:"limit"`
	MinQuality     int     `json:"min_quality,omitempty"`
	IncludeDormant bool    `json:"include_dormant"`
	RecencyBoost   float64 `json:"recency_boost,omitempty"`
}

var intentParams = map[Intent]IntentParams{
	IntentFactLookup:   {Limit: 3, MinQuality: 7},
	IntentExploration:  {Limit: 10, MinQuality: 5, IncludeDormant: true},
	IntentTemporal:     {Limit: 5, RecencyBoost: 2},
	IntentProcedural:   {Limit: 5, MinQuality: 8},
	IntentRecall:       {Limit: 5, MinQuality: 6},
	IntentRelationship: {Limit: 7, MinQuality: 5, IncludeDormant: true},
}

// Classification is the outcome of ClassifyIntent.
type Classification struct {
	Intent     Intent       `json:"intent"`
	Confidence float64      `json:"confidence"`
	Secondary  Intent       `json:"secondary,omitempty"`
	Params     IntentParams `json:"params"`
}

// ClassifyIntent scores query against each intent: +3 per matching
// pattern, +1 per keyword, plus nudges for query length and the leading
// question word. A query with no signal is a fact lookup at confidence 0.3.
func ClassifyIntent(query string) Classification {
	q := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(q)

	scores := make(map[Intent]float64, len(intents))
	for intent, patterns := range intentPatterns {
		for _, p := range patterns {
			if p.MatchString(q) {
				scores[intent] += 3
			}
		}
	}
	for intent, keywords := range intentKeywords {
		for _, kw := range keywords {
			if slices.Contains(words, kw) {
				scores[intent]++
			}
		}
	}

	switch n := len(words); {
	case n <= 3:
		scores[IntentFactLookup] += 0.5
	case n >= 8:
		scores[IntentExploration] += 0.5
	}
	switch {
	case strings.HasPrefix(q, "how"), strings.HasPrefix(q, "why"):
		scores[IntentProcedural]++
	case strings.HasPrefix(q, "what"), strings.HasPrefix(q, "who"), strings.HasPrefix(q, "where"):
		scores[IntentFactLookup]++
	case strings.HasPrefix(q, "when"):
		scores[IntentTemporal] += 2
	}

	ranked := slices.Clone(intents)
	slices.SortStableFunc(ranked, func(a, b Intent) int {
		return cmp.Compare(scores[b], scores[a])
	})

	c := Classification{
		Intent:     ranked[0],
		Confidence: math.Min(scores[ranked[0]]/10, 1),
	}
	if scores[ranked[0]] == 0 {
		c.Intent, c.Confidence = IntentFactLookup, 0.3
	} else if scores[ranked[1]] > 0 {
		c.Secondary = ranked[1]
	}
	c.Params = intentParams[c.Intent]
	return c
}

// Apply fills the options the caller left unset from c's parameters.
func (c Classification) Apply(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = c.Params.Limit
	}
	if opts.MinQuality <= 0 {
		opts.MinQuality = c.Params.MinQuality
	}
	if !opts.IncludeDormant {
		opts.IncludeDormant = c.Params.IncludeDormant
	}
	if opts.RecencyBoost <= 0 {
		opts.RecencyBoost = c.Params.RecencyBoost
	}
	return opts
}

// IntentSearch is a SearchIntent outcome.
type IntentSearch struct {
	Classification Classification `json:"intent"`
	Options        SearchOptions  `json:"options"`
	Results        []Result       `json:"results"`
}

// SearchIntent classifies query, completes opts from the intent and runs
// SearchText. Graph context around a hit is served by FindRelated.
func (e *Engine) SearchIntent(ctx context.Context, query string, opts SearchOptions) (*IntentSearch, error) {
	c := ClassifyIntent(query)
	opts = c.Apply(opts)
	results, err := e.SearchText(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("intent search", "intent", c.Intent, "confidence", c.Confidence, "results", len(results))
	return &IntentSearch{Classification: c, Options: opts, Results: results}, nil
}

// recencyWeek is the age at which a recency boost has halved.
const recencyWeek = 7 * 24 * time.Hour

// recencyFactor scales a score by up to boost for a record created now,
// decaying towards 1 with age.
func recencyFactor(boost float64, created, now time.Time) float64 {
	if boost <= 1 {
		return 1
	}
	age := max(now.Sub(created), 0)
	fresh := math.Exp2(-float64(age) / float64(recencyWeek))
	return 1 + (boost-1)*fresh
}
