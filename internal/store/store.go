package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/model"
	"github.com/google/uuid"
)

// StrengthModel recomputes derived strength and validates record invariants.
// It is satisfied by *decay.Model.
type StrengthModel interface {
	Recompute(r *model.Record, now time.Time)
	Check(r *model.Record) error
}

// Options configures a Store.
type Options struct {
	Strength      StrengthModel
	MaxEdges      int // per-record bound on outgoing auto edges
	SnapshotEvery int // mutations between automatic snapshots, 0 disables
	Logger        *log.Logger
	Now           func() time.Time
}

// Store is the canonical record arena. Records and edges live in memory;
// every mutation is appended to the SQLite journal before it becomes
// visible, and the arena is rebuilt from the latest snapshot plus the
// journal tail on open.
//
// Mutations of one record are serialized; different records mutate
// concurrently and only contend for the short commit section.
type Store struct {
	db     *DB
	opts   Options
	logger *log.Logger

	mu      sync.RWMutex
	records map[string]*model.Record
	edges   *edgeIndex
	lastSeq int64
	pending int

	locks    keyedMutex
	snapshot sync.Mutex
}

// New loads the arena from db and returns a ready Store.
func New(db *DB, opts Options) (*Store, error) {
	if opts.Strength == nil {
		return nil, fmt.Errorf("store: strength model required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Store{
		db:      db,
		opts:    opts,
		logger:  opts.Logger.With("component", "store"),
		records: make(map[string]*model.Record),
		edges:   newEdgeIndex(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *DB { return s.db }

func (s *Store) load() error {
	snap, err := s.db.LatestSnapshot()
	if err != nil {
		return err
	}
	if snap != nil {
		for _, r := range snap.Records {
			s.records[r.ID] = r
		}
		for _, e := range snap.Edges {
			s.edges.add(e)
		}
		s.lastSeq = snap.Seq
	}

	tail, err := s.db.MutationsSince(s.lastSeq)
	if err != nil {
		return err
	}
	for _, m := range tail {
		switch {
		case m.Op == OpEdge && m.Edge != nil:
			s.edges.add(*m.Edge)
		case m.Record != nil:
			s.records[m.Record.ID] = m.Record
		default:
			s.logger.Warn("skipping malformed journal entry", "seq", m.Seq, "op", m.Op)
		}
		s.lastSeq = m.Seq
	}
	s.pending = len(tail)

	// strength is derived, never restored
	now := s.opts.Now()
	for _, r := range s.records {
		s.opts.Strength.Recompute(r, now)
	}

	// a consolidation cut short by a crash leaves its session stuck
	reopened, err := s.db.ReopenSessions()
	if err != nil {
		return err
	}
	if reopened > 0 {
		s.logger.Warn("reopened interrupted session consolidations", "sessions", reopened)
	}

	s.logger.Debug("loaded", "records", len(s.records), "edges", s.edges.len(), "replayed", len(tail))
	return nil
}

// Put inserts a new record and returns its id. Missing fields get defaults:
// a fresh uuid, kind semantic, state active, origin direct.
func (s *Store) Put(ctx context.Context, r *model.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.opts.Now()
	rec := r.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = model.KindSemantic
	}
	if rec.State == "" {
		rec.State = model.StateActive
	}
	if rec.Origin == "" {
		rec.Origin = model.OriginDirect
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = rec.CreatedAt
	}
	rec.Topic = model.NormalizeTopic(rec.Topic)
	rec.UpdatedAt = now

	if !rec.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", model.ErrInvalid, rec.Kind)
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	s.mu.RLock()
	_, exists := s.records[rec.ID]
	s.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%w: record %s already exists", model.ErrInvalid, rec.ID)
	}

	if err := s.commitRecord(rec, OpPut, now); err != nil {
		return "", err
	}
	r.ID = rec.ID
	return rec.ID, nil
}

// Get returns a copy of the record, or model.ErrNotFound.
func (s *Store) Get(id string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	return r.Clone(), nil
}

// MutateFunc edits a record in place. Returning an error aborts the update.
type MutateFunc func(r *model.Record) error

// Update applies fn to a copy of the record and commits it atomically.
// Update is for bookkeeping writes: fn must not change LastAccessedAt or
// AccessCount. Semantic accesses go through Access.
func (s *Store) Update(ctx context.Context, id string, fn MutateFunc) (*model.Record, error) {
	return s.mutate(ctx, id, OpUpdate, func(r *model.Record) error {
		touched, count := r.LastAccessedAt, r.AccessCount
		if err := fn(r); err != nil {
			return err
		}
		if !r.LastAccessedAt.Equal(touched) || r.AccessCount != count {
			return fmt.Errorf("%w: record %s: bookkeeping update changed access fields",
				model.ErrInvariantViolation, r.ID)
		}
		return nil
	})
}

// Access applies fn as a semantic access (recall, review, replay); fn is
// expected to move LastAccessedAt.
func (s *Store) Access(ctx context.Context, id string, fn MutateFunc) (*model.Record, error) {
	return s.mutate(ctx, id, OpAccess, fn)
}

// Archive removes a record from default views. Archiving twice is a no-op.
func (s *Store) Archive(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, OpArchive, func(r *model.Record) error {
		r.State = model.StateArchived
		return nil
	})
	return err
}

func (s *Store) mutate(ctx context.Context, id string, op Op, fn MutateFunc) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	immutableID, created := cur.ID, cur.CreatedAt
	if err := fn(cur); err != nil {
		return nil, err
	}
	if cur.ID != immutableID || !cur.CreatedAt.Equal(created) {
		return nil, fmt.Errorf("%w: record %s: identity fields are immutable", model.ErrInvariantViolation, id)
	}
	now := s.opts.Now()
	cur.UpdatedAt = now
	if err := s.commitRecord(cur, op, now); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// Recompute refreshes the derived strength of id at now in memory only.
// Strength is never journaled on its own; lifecycle changes that follow from
// it go through Update.
func (s *Store) Recompute(id string, now time.Time) (*model.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, model.ErrNotFound)
	}
	s.opts.Strength.Recompute(r, now)
	return r.Clone(), nil
}

// commitRecord recomputes strength, validates, journals and installs rec.
// The caller holds the record lock.
func (s *Store) commitRecord(rec *model.Record, op Op, now time.Time) error {
	s.opts.Strength.Recompute(rec, now)
	if err := s.opts.Strength.Check(rec); err != nil {
		s.logger.Error("rejected mutation", "id", rec.ID, "op", op, "error", err)
		return err
	}

	m := &Mutation{RecordID: rec.ID, Op: op, Record: rec, At: now}
	s.mu.Lock()
	if err := s.db.AppendMutation(m); err != nil {
		s.mu.Unlock()
		return err
	}
	s.records[rec.ID] = rec.Clone()
	s.lastSeq = m.Seq
	s.pending++
	due := s.opts.SnapshotEvery > 0 && s.pending >= s.opts.SnapshotEvery
	s.mu.Unlock()

	if due {
		if err := s.Snapshot(context.Background()); err != nil {
			s.logger.Warn("automatic snapshot failed", "error", err)
		}
	}
	return nil
}

// Filter selects records in Query. Zero values match everything.
type Filter struct {
	States     []model.State
	Topic      string // matches the topic and its descendants
	Kind       model.Kind
	MinQuality int
	Origins    []model.Origin
	IDs        []string
}

// Match reports whether r passes f.
func (f Filter) Match(r *model.Record) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	if f.Topic != "" && !model.TopicWithin(r.Topic, f.Topic) {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if r.Quality < f.MinQuality {
		return false
	}
	if len(f.Origins) > 0 && !slices.Contains(f.Origins, r.Origin) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	return true
}

// Query returns a point-in-time snapshot of matching records, oldest first.
// Writes that land while the caller iterates are not observed.
func (s *Store) Query(f Filter) iter.Seq[*model.Record] {
	s.mu.RLock()
	matched := make([]*model.Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Match(r) {
			matched = append(matched, r.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *model.Record) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return slices.Values(matched)
}

// List collects Query into a slice.
func (s *Store) List(f Filter) []*model.Record {
	return slices.Collect(s.Query(f))
}

// Len returns the number of records in any state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AddEdge records e and reports whether it was new. Auto edges respect the
// per-record bound; manual edges are always kept.
func (s *Store) AddEdge(ctx context.Context, e model.Edge) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.addEdge(e, e.Auto)
}

func (s *Store) addEdge(e model.Edge, bounded bool) (bool, error) {
	if e.From == e.To {
		return false, fmt.Errorf("%w: self edge on %s", model.ErrInvalid, e.From)
	}
	rel, err := model.ParseRelation(string(e.Relation))
	if err != nil {
		return false, err
	}
	e.Relation = rel
	if e.Confidence < 0 || e.Confidence > 1 {
		return false, fmt.Errorf("%w: confidence %.2f outside [0,1]", model.ErrInvalid, e.Confidence)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.opts.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{e.From, e.To} {
		if _, ok := s.records[id]; !ok {
			return false, fmt.Errorf("record %s: %w", id, model.ErrNotFound)
		}
	}
	if s.edges.has(e.Key()) {
		return false, nil
	}
	if bounded && s.opts.MaxEdges > 0 && s.edges.outDegree(e.From) >= s.opts.MaxEdges {
		return false, fmt.Errorf("%w: record %s has reached %d edges",
			model.ErrInvariantViolation, e.From, s.opts.MaxEdges)
	}

	m := &Mutation{RecordID: e.From, Op: OpEdge, Edge: &e, At: e.CreatedAt}
	if err := s.db.AppendMutation(m); err != nil {
		return false, err
	}
	s.edges.add(e)
	s.lastSeq = m.Seq
	s.pending++
	return true, nil
}

// Edges returns every edge touching id, outgoing first.
func (s *Store) Edges(id string) []model.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(s.edges.outgoing(id), s.edges.incoming(id)...)
}

// Outgoing returns the edges that start at id, in insertion order.
func (s *Store) Outgoing(id string) []model.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edges.outgoing(id)
}

// EdgeCount returns the number of edges touching id in either direction.
func (s *Store) EdgeCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges.out[id]) + len(s.edges.in[id])
}

// EdgeMerge reports what MergeEdges did.
type EdgeMerge struct {
	Added   int `json:"added"`
	Dropped int `json:"dropped"` // auto edges over the per-record bound
}

// MergeEdges folds the edges of absorbed records into survivor: outgoing
// edges become survivor's and incoming edges are redirected to survivor.
// Manual edges always carry over; auto edges stop at the per-record bound.
func (s *Store) MergeEdges(ctx context.Context, survivor string, absorbed []string) (EdgeMerge, error) {
	skip := map[string]bool{survivor: true}
	for _, id := range absorbed {
		skip[id] = true
	}

	var res EdgeMerge
	for _, id := range absorbed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, e := range s.Outgoing(id) {
			if skip[e.To] {
				continue
			}
			e.From, e.CreatedAt = survivor, time.Time{}
			ok, err := s.addEdge(e, e.Auto)
			if isCapError(err) {
				res.Dropped++
				continue
			}
			if err != nil {
				return res, err
			}
			if ok {
				res.Added++
			}
		}
		for _, e := range s.incoming(id) {
			if skip[e.From] {
				continue
			}
			e.To, e.CreatedAt = survivor, time.Time{}
			ok, err := s.addEdge(e, false)
			if err != nil {
				return res, err
			}
			if ok {
				res.Added++
			}
		}
	}
	if res.Dropped > 0 {
		s.logger.Warn("auto edges dropped at merge", "survivor", survivor, "dropped", res.Dropped, "max", s.opts.MaxEdges)
	}
	return res, nil
}

func isCapError(err error) bool {
	return errors.Is(err, model.ErrInvariantViolation)
}

func (s *Store) incoming(id string) []model.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edges.incoming(id)
}

// Snapshot writes a full image of the arena covering every committed mutation.
func (s *Store) Snapshot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.snapshot.Lock()
	defer s.snapshot.Unlock()

	s.mu.RLock()
	snap := &Snapshot{
		Seq:       s.lastSeq,
		Records:   make([]*model.Record, 0, len(s.records)),
		Edges:     s.edges.all(),
		CreatedAt: s.opts.Now(),
	}
	for _, r := range s.records {
		snap.Records = append(snap.Records, r.Clone())
	}
	taken := s.pending
	s.mu.RUnlock()

	slices.SortFunc(snap.Records, func(a, b *model.Record) int { return strings.Compare(a.ID, b.ID) })
	if err := s.db.SaveSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending -= taken
	s.mu.Unlock()
	s.logger.Debug("snapshot written", "seq", snap.Seq, "records", len(snap.Records), "edges", len(snap.Edges))
	return nil
}

// Stats summarizes the arena.
type Stats struct {
	Records int                 `json:"records"`
	ByState map[model.State]int `json:"by_state"`
	ByKind  map[model.Kind]int  `json:"by_kind"`
	Topics  int                 `json:"topics"`
	Edges   int                 `json:"edges"`
	LastSeq int64               `json:"last_seq"`
}

// Stats returns counts over the current arena.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Records: len(s.records),
		ByState: make(map[model.State]int),
		ByKind:  make(map[model.Kind]int),
		Edges:   s.edges.len(),
		LastSeq: s.lastSeq,
	}
	topics := make(map[string]bool)
	for _, r := range s.records {
		st.ByState[r.State]++
		st.ByKind[r.Kind]++
		topics[r.Topic] = true
	}
	st.Topics = len(topics)
	return st
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
