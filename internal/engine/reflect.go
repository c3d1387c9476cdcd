package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/llm"
	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
)

// Synthesizer turns the records of one topic into reflection text.
type Synthesizer interface {
	Synthesize(ctx context.Context, topic string, sources []*model.Record) (string, error)
}

// AggregateSynthesizer builds a reflection from the leading sentence of
// each source, strongest sources first. It needs no external service.
type AggregateSynthesizer struct{}

const maxReflectionLen = 2000

func (AggregateSynthesizer) Synthesize(ctx context.Context, topic string, sources []*model.Record) (string, error) {
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: no sources to reflect on", model.ErrInvalid)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reflection on %s across %d records:", topic, len(sources))
	seen := make(map[string]bool)
	for _, r := range sources {
		sentences := splitSentences(r.Content)
		if len(sentences) == 0 {
			continue
		}
		lead := sentences[0]
		key := strings.ToLower(lead)
		if seen[key] {
			continue
		}
		seen[key] = true
		if b.Len()+len(lead)+3 > maxReflectionLen {
			break
		}
		b.WriteString("\n- ")
		b.WriteString(lead)
	}
	return b.String(), nil
}

// LLMSynthesizer asks a language model for the reflection and falls back
// to a local synthesizer when the model stays unavailable.
type LLMSynthesizer struct {
	client     llm.Client
	fallback   Synthesizer
	maxRetries uint64
	logger     *log.Logger

	newBackOff func() backoff.BackOff
}

// NewLLMSynthesizer wraps client. A nil fallback means AggregateSynthesizer.
func NewLLMSynthesizer(client llm.Client, fallback Synthesizer, logger *log.Logger) *LLMSynthesizer {
	if fallback == nil {
		fallback = AggregateSynthesizer{}
	}
	return &LLMSynthesizer{
		client:     client,
		fallback:   fallback,
		maxRetries: 2,
		logger:     logger.With("component", "synthesizer"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, topic string, sources []*model.Record) (string, error) {
	contents := make([]string, len(sources))
	for i, r := range sources {
		contents[i] = r.Content
	}
	prompt := llm.ReflectionPrompt(topic, contents)

	op := func() (string, error) {
		resp, err := s.client.Complete(ctx, prompt)
		if err != nil {
			var se *llm.StatusError
			if ctx.Err() != nil || (errors.As(err, &se) && !se.Retryable()) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return "", backoff.Permanent(errors.New("empty completion"))
		}
		return strings.TrimSpace(resp.Content), nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	text, err := backoff.RetryWithData(op, b)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	s.logger.Warn("llm synthesis failed, using aggregate", "topic", topic, "error", err)
	return s.fallback.Synthesize(ctx, topic, sources)
}

// ReflectionCandidate is a topic eligible for reflection.
type ReflectionCandidate struct {
	Topic   string `json:"topic"`
	Records int    `json:"records"`
}

// ReflectionCandidates returns topics with at least min_records active
// records of quality >= min_quality and no reflection newer than the
// cooldown, largest first.
func (e *Engine) ReflectionCandidates(now time.Time) []ReflectionCandidate {
	cfg := e.cfg.Scheduler.Reflect
	counts := make(map[string]int)
	recent := make(map[string]bool)
	for r := range e.store.Query(store.Filter{States: []model.State{model.StateActive, model.StateDormant}}) {
		if r.Origin == model.OriginReflection {
			if now.Sub(r.CreatedAt) < cfg.Cooldown {
				recent[r.Topic] = true
			}
			continue
		}
		if r.State == model.StateActive && r.Quality >= cfg.MinQuality {
			counts[r.Topic]++
		}
	}

	var out []ReflectionCandidate
	for topic, n := range counts {
		if n >= cfg.MinRecords && !recent[topic] {
			out = append(out, ReflectionCandidate{Topic: topic, Records: n})
		}
	}
	slices.SortFunc(out, func(a, b ReflectionCandidate) int {
		return cmp.Or(cmp.Compare(b.Records, a.Records), cmp.Compare(a.Topic, b.Topic))
	})
	return out
}

// Reflect synthesizes the active records filed exactly under topic into a
// new reflection record linked to its sources by derived_from edges.
// Reflections are derived knowledge and do not pass the quality gate.
func (e *Engine) Reflect(ctx context.Context, topic string) (*model.Record, error) {
	cfg := e.cfg.Scheduler.Reflect
	topic = model.NormalizeTopic(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", model.ErrInvalid)
	}

	var sources []*model.Record
	for r := range e.store.Query(store.Filter{Topic: topic, States: []model.State{model.StateActive}}) {
		if r.Topic == topic && r.Origin != model.OriginReflection && r.Quality >= cfg.MinQuality {
			sources = append(sources, r)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no records to reflect on under %q: %w", topic, model.ErrNotFound)
	}
	slices.SortFunc(sources, func(a, b *model.Record) int {
		return cmp.Or(cmp.Compare(b.Quality, a.Quality), cmp.Compare(b.Strength, a.Strength), cmp.Compare(a.ID, b.ID))
	})
	if cfg.MaxSources > 0 && len(sources) > cfg.MaxSources {
		sources = sources[:cfg.MaxSources]
	}

	text, err := e.synth.Synthesize(ctx, topic, sources)
	if err != nil {
		return nil, fmt.Errorf("synthesize %q: %w", topic, err)
	}
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(sources))
	var quality float64
	for i, s := range sources {
		ids[i] = s.ID
		quality += float64(s.Quality)
	}
	rec := &model.Record{
		Topic:       topic,
		Content:     text,
		Kind:        model.KindSemantic,
		Quality:     int(math.Round(quality / float64(len(sources)))),
		Origin:      model.OriginReflection,
		DerivedFrom: ids,
	}
	id, err := e.store.Put(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("store reflection: %w", err)
	}
	e.saveVector(id, vec)

	now := e.now()
	for _, src := range ids {
		_, err := e.store.AddEdge(ctx, model.Edge{
			From:       id,
			To:         src,
			Relation:   model.DerivedFrom,
			Confidence: 1,
			CreatedAt:  now,
		})
		if err != nil {
			e.logger.Warn("reflection edge failed", "reflection", id, "source", src, "error", err)
		}
	}
	e.logger.Info("reflection created", "id", id, "topic", topic, "sources", len(ids))
	return e.store.Get(id)
}

// reflect creates reflections for up to max_topics candidate topics.
func (e *Engine) reflect(ctx context.Context, rep *PhaseReport) error {
	candidates := e.ReflectionCandidates(e.now())
	if n := e.cfg.Scheduler.Reflect.MaxTopics; n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Examined++
		r, err := e.Reflect(ctx, c.Topic)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("reflect: topic skipped", "topic", c.Topic, "error", err)
			rep.recordError(c.Topic, err)
			continue
		}
		rep.Changed++
		rep.Reflections = append(rep.Reflections, r.ID)
	}
	return nil
}
