package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/decay"
	"github.com/compemperor/engram/internal/metrics"
	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
	"github.com/panjf2000/ants/v2"
)

// Options wires an Engine. Store, Strength and Embedder are required.
type Options struct {
	Store       *store.Store
	Strength    *decay.Model
	Embedder    Embedder
	Index       VectorIndex // defaults to a MemoryIndex
	Synthesizer Synthesizer // defaults to AggregateSynthesizer
	Config      config.Config
	Logger      *log.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Engine orchestrates admission, retrieval, linking, review and the
// consolidation phases over a Store.
type Engine struct {
	store    *store.Store
	strength *decay.Model
	embedder Embedder
	index    VectorIndex
	synth    Synthesizer
	cfg      config.Config
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	sessionMu sync.Mutex
}

// New creates an Engine. It does not load the vector index; call
// RebuildIndex once after construction.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Strength == nil || opts.Embedder == nil {
		return nil, fmt.Errorf("engine: store, strength model and embedder are required")
	}
	if opts.Index == nil {
		opts.Index = NewMemoryIndex()
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = AggregateSynthesizer{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    opts.Store,
		strength: opts.Strength,
		embedder: opts.Embedder,
		index:    opts.Index,
		synth:    opts.Synthesizer,
		cfg:      opts.Config,
		logger:   opts.Logger.With("component", "engine"),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}, nil
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Store returns the underlying record store.
func (e *Engine) Store() *store.Store { return e.store }

// AddResult is the outcome of an admission attempt.
type AddResult struct {
	Record  *model.Record `json:"record,omitempty"`
	Verdict Verdict       `json:"verdict"`
	Edges   []model.Edge  `json:"edges,omitempty"`
}

// Add admits a candidate through the quality gate, stores it and links it
// to its nearest neighbours. A rejected candidate is not stored; the error
// is a *model.RejectionError and the result still carries the verdict.
func (e *Engine) Add(ctx context.Context, c model.Candidate) (*AddResult, error) {
	return e.admit(ctx, c, model.OriginDirect)
}

func (e *Engine) admit(ctx context.Context, c model.Candidate, origin model.Origin) (*AddResult, error) {
	if err := validateCandidate(c); err != nil {
		return nil, err
	}
	vec, err := e.embed(ctx, c.Content)
	if err != nil {
		return nil, err
	}

	verdict, err := e.Evaluate(ctx, c, vec)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordAdmission(verdict.Admit, string(verdict.Reason))
	e.recordEvaluation(c, verdict)
	if !verdict.Admit {
		e.logger.Debug("candidate rejected", "topic", c.Topic, "quality", c.Quality, "reason", verdict.Reason)
		return &AddResult{Verdict: verdict}, verdict.Err()
	}

	kind := c.Kind
	if kind == "" {
		kind = model.KindSemantic
	}
	rec := &model.Record{
		Topic:         c.Topic,
		Content:       c.Content,
		Kind:          kind,
		Quality:       c.Quality,
		Understanding: c.Understanding,
		SourceURL:     c.SourceURL,
		Origin:        origin,
	}
	id, err := e.store.Put(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}
	e.saveVector(id, vec)

	edges, err := e.AutoLink(ctx, id, vec)
	if err != nil {
		// linking is skipped, the admission stands
		e.logger.Warn("auto-link skipped", "id", id, "error", err)
	}

	stored, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("record admitted", "id", id, "topic", stored.Topic, "quality", stored.Quality, "edges", len(edges))
	return &AddResult{Record: stored, Verdict: verdict, Edges: edges}, nil
}

func validateCandidate(c model.Candidate) error {
	var errs []error
	if model.NormalizeTopic(c.Topic) == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if strings.TrimSpace(c.Content) == "" {
		errs = append(errs, errors.New("content is required"))
	}
	if c.Quality < 1 || c.Quality > 10 {
		errs = append(errs, fmt.Errorf("quality %d outside 1..10", c.Quality))
	}
	if c.Kind != "" && !c.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown kind %q", c.Kind))
	}
	if u := c.Understanding; u != nil && (*u < 1 || *u > 5) {
		errs = append(errs, fmt.Errorf("understanding %.1f outside 1..5", *u))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// embed runs the embedder. Any failure is reported as unavailable so that
// callers skip the dependent step rather than fail the whole request.
func (e *Engine) embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.metrics.RecordEmbedFailure()
		if errors.Is(err, model.ErrCollaboratorUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: embed: %w", model.ErrCollaboratorUnavailable, err)
	}
	return vec, nil
}

func (e *Engine) saveVector(id string, vec []float64) {
	if err := e.store.DB().PutVector(id, e.embedder.Model(), vec); err != nil {
		e.logger.Warn("save vector failed", "id", id, "error", err)
	}
	e.index.Upsert(id, vec)
}

// vector returns the stored embedding of id, or nil.
func (e *Engine) vector(id string) []float64 {
	vec, err := e.store.DB().Vector(id, e.embedder.Model())
	if err != nil {
		e.logger.Warn("load vector failed", "id", id, "error", err)
		return nil
	}
	return vec
}

// Get returns a record with its strength refreshed to now.
func (e *Engine) Get(ctx context.Context, id string) (*model.Record, error) {
	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return e.refresh(ctx, r), nil
}

// refresh recomputes strength lazily on read. A state change found this way
// is persisted as a bookkeeping update.
func (e *Engine) refresh(ctx context.Context, r *model.Record) *model.Record {
	now := e.now()
	if !e.strength.Refresh(r, now) {
		return r
	}
	updated, err := e.store.Update(ctx, r.ID, func(x *model.Record) error {
		e.strength.Refresh(x, now)
		return nil
	})
	if err != nil {
		e.logger.Warn("lazy refresh failed", "id", r.ID, "error", err)
		return r
	}
	return updated
}

// SearchOptions filters Search and SearchText.
type SearchOptions struct {
	Limit           int        `json:"limit,omitempty"`
	Topic           string     `json:"topic,omitempty"`
	Kind            model.Kind `json:"kind,omitempty"`
	MinQuality      int        `json:"min_quality,omitempty"`
	MinSimilarity   float64    `json:"min_similarity,omitempty"`
	IncludeDormant  bool       `json:"include_dormant,omitempty"`
	IncludeArchived bool       `json:"include_archived,omitempty"`
	RecencyBoost    float64    `json:"recency_boost,omitempty"` // > 1 favours recent records
}

func (o SearchOptions) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}

func (o SearchOptions) states() []model.State {
	states := []model.State{model.StateActive}
	if o.IncludeDormant {
		states = append(states, model.StateDormant)
	}
	if o.IncludeArchived {
		states = append(states, model.StateArchived)
	}
	return states
}

// Result is a scored search hit.
type Result struct {
	Record     *model.Record `json:"record"`
	Similarity float64       `json:"similarity"`
	Score      float64       `json:"score"`
}

// Search ranks records by similarity to vec weighted by strength. Only
// active records are returned by default. Search is not a semantic access.
func (e *Engine) Search(ctx context.Context, vec []float64, opts SearchOptions) ([]Result, error) {
	hits, err := e.index.Search(ctx, vec, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: index search: %w", model.ErrCollaboratorUnavailable, err)
	}

	filter := store.Filter{
		States:     opts.states(),
		Topic:      opts.Topic,
		Kind:       opts.Kind,
		MinQuality: opts.MinQuality,
	}
	now := e.now()
	var results []Result
	for _, h := range hits {
		if h.Similarity <= 0 || h.Similarity < opts.MinSimilarity {
			continue
		}
		r, err := e.store.Get(h.ID)
		if err != nil {
			continue
		}
		r = e.refresh(ctx, r)
		if !filter.Match(r) {
			continue
		}
		score := h.Similarity * r.Strength * recencyFactor(opts.RecencyBoost, r.CreatedAt, now)
		results = append(results, Result{Record: r, Similarity: h.Similarity, Score: score})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if limit := opts.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchText embeds query and searches with it.
func (e *Engine) SearchText(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", model.ErrInvalid)
	}
	vec, err := e.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, vec, opts)
}

// RecallOptions filters Recall.
type RecallOptions struct {
	Limit          int        `json:"limit,omitempty"`
	Kind           model.Kind `json:"kind,omitempty"`
	IncludeDormant bool       `json:"include_dormant,omitempty"`
}

// Recall returns the strongest records under topic and reinforces each of
// them as a semantic access. Dormant records are only recalled on request,
// and recalling one may restore it to active.
func (e *Engine) Recall(ctx context.Context, topic string, opts RecallOptions) ([]*model.Record, error) {
	topic = model.NormalizeTopic(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", model.ErrInvalid)
	}
	known := e.store.List(store.Filter{
		Topic:  topic,
		States: []model.State{model.StateActive, model.StateDormant},
	})
	if len(known) == 0 {
		return nil, fmt.Errorf("topic %q: %w", topic, model.ErrNotFound)
	}

	var matched []*model.Record
	for _, r := range known {
		r = e.refresh(ctx, r)
		if opts.Kind != "" && r.Kind != opts.Kind {
			continue
		}
		if r.State == model.StateDormant && !opts.IncludeDormant {
			continue
		}
		matched = append(matched, r)
	}
	slices.SortStableFunc(matched, func(a, b *model.Record) int {
		return cmp.Or(cmp.Compare(b.Strength, a.Strength), cmp.Compare(b.Quality, a.Quality))
	})
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*model.Record, 0, len(matched))
	for _, r := range matched {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		reinforced, err := e.reinforce(ctx, r.ID)
		if err != nil {
			e.logger.Warn("recall reinforcement failed", "id", r.ID, "error", err)
			out = append(out, r)
			continue
		}
		out = append(out, reinforced)
	}
	return out, nil
}

// reinforce records a semantic access on id.
func (e *Engine) reinforce(ctx context.Context, id string) (*model.Record, error) {
	return e.store.Access(ctx, id, func(r *model.Record) error {
		e.strength.Reinforce(r, e.now())
		return nil
	})
}

// Archive removes a record from default views. Its vector stays indexed so
// that searches asking for archived records can still find it.
func (e *Engine) Archive(ctx context.Context, id string) error {
	return e.store.Archive(ctx, id)
}

// Stats summarizes the engine state.
type Stats struct {
	store.Stats
	DueReviews int    `json:"due_reviews"`
	Indexed    int    `json:"indexed"`
	Embedder   string `json:"embedder"`
}

// Stats returns counts over records, edges, reviews and the index.
func (e *Engine) Stats() Stats {
	st := Stats{
		Stats:    e.store.Stats(),
		Indexed:  e.index.Len(),
		Embedder: e.embedder.Model(),
	}
	st.DueReviews = len(e.DueForReview(e.now(), 0))

	byState := make(map[string]int, len(st.ByState))
	for s, n := range st.ByState {
		byState[string(s)] = n
	}
	e.metrics.SetRecords(byState)
	return st
}

// Checkpoint writes a store snapshot and prunes older ones.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.store.Snapshot(ctx); err != nil {
		return err
	}
	if _, err := e.store.DB().PruneSnapshots(3); err != nil {
		e.logger.Warn("prune snapshots failed", "error", err)
	}
	return nil
}

// EmbedMissing embeds every non-archived record that has no vector for the
// current embedding model, using a bounded worker pool. It returns the
// number of records embedded.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	var todo []*model.Record
	for r := range e.store.Query(store.Filter{States: []model.State{model.StateActive, model.StateDormant}}) {
		if e.vector(r.ID) == nil {
			todo = append(todo, r)
		}
	}
	if len(todo) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(max(1, e.cfg.Embedding.Workers))
	if err != nil {
		return 0, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		embedded int
		failed   error
	)
	for _, r := range todo {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			vec, err := e.embed(ctx, r.Content)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = err
				e.logger.Warn("embed missing: skipped", "id", r.ID, "error", err)
				return
			}
			e.saveVector(r.ID, vec)
			embedded++
		})
		if submitErr != nil {
			wg.Done()
			return embedded, fmt.Errorf("submit embed task: %w", submitErr)
		}
	}
	wg.Wait()

	if embedded == 0 && failed != nil {
		return 0, failed
	}
	e.logger.Info("embedded missing vectors", "embedded", embedded, "candidates", len(todo))
	return embedded, ctx.Err()
}

// RebuildIndex re-embeds stale records and replaces the index with every
// stored vector of the current model, archived records included. It is
// idempotent and safe to call at any time, e.g. after an embedding model
// change.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	if _, err := e.EmbedMissing(ctx); err != nil {
		e.logger.Warn("rebuild index: some records could not be embedded", "error", err)
	}
	db := e.store.DB()
	all, err := db.Vectors(e.embedder.Model())
	if err != nil {
		return 0, err
	}
	if n, err := db.PruneVectors(e.embedder.Model()); err != nil {
		e.logger.Warn("rebuild index: prune stale vectors failed", "error", err)
	} else if n > 0 {
		e.logger.Info("pruned vectors of a previous embedding model", "count", n)
	}

	vectors := make(map[string][]float64, len(all))
	for r := range e.store.Query(store.Filter{}) {
		if vec, ok := all[r.ID]; ok {
			vectors[r.ID] = vec
		}
	}
	e.index.Rebuild(vectors)
	e.logger.Info("index rebuilt", "vectors", len(vectors), "model", e.embedder.Model())
	return len(vectors), nil
}
