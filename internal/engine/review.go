package engine

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/decay"
	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/store"
)

// NextSchedule applies one review outcome at now. A nil schedule starts at
// the minimum interval and the initial ease. Success raises the ease up to
// its cap and multiplies the interval by it; past max_interval the interval
// only grows by min_interval per success. Failure resets the interval to the
// minimum and lowers the ease down to its floor.
func NextSchedule(cfg config.ReviewConfig, s *model.ReviewSchedule, outcome model.Outcome, now time.Time) *model.ReviewSchedule {
	next := model.ReviewSchedule{Interval: cfg.MinInterval, EaseFactor: cfg.InitialEase}
	if s != nil {
		next = *s
	}

	switch outcome {
	case model.OutcomeSuccess:
		next.EaseFactor = math.Min(next.EaseFactor+cfg.EaseStep, cfg.MaxEase)
		next.Interval = grow(cfg, next.Interval, next.EaseFactor)
		next.Repetitions++
	default:
		next.EaseFactor = math.Max(next.EaseFactor-cfg.EasePenalty, cfg.MinEase)
		next.Interval = cfg.MinInterval
		next.Repetitions = 0
	}
	next.LastOutcome = outcome
	next.LastReviewedAt = now
	next.NextReviewAt = now.Add(next.Interval)
	return &next
}

// grow returns the interval after a success. It is always longer than cur.
func grow(cfg config.ReviewConfig, cur time.Duration, ease float64) time.Duration {
	if cur >= cfg.MaxInterval {
		step := max(cfg.MinInterval, time.Second)
		if cur > math.MaxInt64-step {
			return math.MaxInt64
		}
		return cur + step
	}
	grown := time.Duration(float64(cur) * ease)
	return max(min(grown, cfg.MaxInterval), cur+time.Second)
}

// SubmitReview records a recall attempt on id. It counts as a semantic
// access: the record is reinforced and may leave dormancy. The review
// schedule is created on the first review.
func (e *Engine) SubmitReview(ctx context.Context, id string, outcome model.Outcome) (*model.Record, error) {
	if _, err := model.ParseOutcome(string(outcome)); err != nil {
		return nil, err
	}
	now := e.now()
	r, err := e.store.Access(ctx, id, func(r *model.Record) error {
		if r.State == model.StateArchived {
			return fmt.Errorf("%w: record %s is archived", model.ErrInvalid, r.ID)
		}
		r.RecallAttempts++
		if outcome == model.OutcomeSuccess {
			r.RecallSuccesses++
		}
		e.strength.Reinforce(r, now)
		r.Review = NextSchedule(e.cfg.Review, r.Review, outcome, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordReview(string(outcome))
	e.logger.Debug("review recorded", "id", id, "outcome", outcome,
		"interval", r.Review.Interval, "next", r.Review.NextReviewAt)
	return r, nil
}

// DueReview is a record whose review is due.
type DueReview struct {
	Record      *model.Record `json:"record"`
	Priority    float64       `json:"priority"`
	OverdueDays float64       `json:"overdue_days"`
}

// ReviewPriority weights overdue-ness and weakness equally; weaker and more
// overdue records come first.
func ReviewPriority(overdueDays, strength float64) float64 {
	return 0.5*math.Min(overdueDays*0.1, 1) + 0.5*(1-strength)
}

// DueForReview returns non-archived records with a schedule due at now,
// highest priority first. A non-positive limit returns all of them.
func (e *Engine) DueForReview(now time.Time, limit int) []DueReview {
	var due []DueReview
	for r := range e.store.Query(store.Filter{States: []model.State{model.StateActive, model.StateDormant}}) {
		if !r.Review.Due(now) {
			continue
		}
		e.strength.Recompute(r, now)
		overdue := decay.AgeDays(r.Review.NextReviewAt, now)
		due = append(due, DueReview{Record: r, Priority: ReviewPriority(overdue, r.Strength), OverdueDays: overdue})
	}
	slices.SortStableFunc(due, func(a, b DueReview) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), a.Record.Review.NextReviewAt.Compare(b.Record.Review.NextReviewAt))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// Difficulty grades a challenge from past recall performance.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// DifficultyFor maps a recall success rate to a difficulty. Records never
// recalled are medium.
func DifficultyFor(r *model.Record) Difficulty {
	rate, ok := r.RecallRate()
	if !ok {
		rate = 0.5
	}
	switch {
	case rate >= 0.8:
		return DifficultyHard
	case rate >= 0.5:
		return DifficultyMedium
	}
	return DifficultyEasy
}

// Challenge is a recall prompt for one record.
type Challenge struct {
	Record     *model.Record `json:"record"`
	Question   string        `json:"question"`
	Difficulty Difficulty    `json:"difficulty"`
	Due        bool          `json:"due"`
}

// Challenge picks the most urgent due record, optionally under topic, and
// falls back to a random active record when nothing is due.
func (e *Engine) Challenge(ctx context.Context, topic string) (*Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := e.now()
	for _, d := range e.DueForReview(now, 0) {
		if topic == "" || model.TopicWithin(d.Record.Topic, topic) {
			return newChallenge(d.Record, true), nil
		}
	}

	pool := e.store.List(store.Filter{Topic: topic, States: []model.State{model.StateActive}})
	if len(pool) == 0 {
		return nil, fmt.Errorf("no records to challenge under %q: %w", topic, model.ErrNotFound)
	}
	return newChallenge(pool[rand.IntN(len(pool))], false), nil
}

func newChallenge(r *model.Record, due bool) *Challenge {
	q := fmt.Sprintf("What is the key lesson about %s?", r.Topic)
	if r.Kind == model.KindEpisodic {
		q = fmt.Sprintf("What did you learn from your experience with %s?", r.Topic)
	}
	return &Challenge{Record: r, Question: q, Difficulty: DifficultyFor(r), Due: due}
}
