package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/compemperor/engram/internal/decay"
	"github.com/compemperor/engram/internal/model"
)

// Usage signal weights for quality reassessment.
const (
	weightRecall        = 0.35
	weightAccess        = 0.25
	weightRelationships = 0.20
	weightAgeResilience = 0.20
)

// Action is a reassessment recommendation.
type Action string

const (
	ActionKeep      Action = "keep"
	ActionUpgrade   Action = "upgrade"
	ActionDowngrade Action = "downgrade"
	ActionArchive   Action = "archive"
)

// QualityFeatures are the usage signals quality is reassessed from.
type QualityFeatures struct {
	Quality         int
	AccessCount     int
	RecallAttempts  int
	RecallSuccesses int
	Edges           int
	AgeDays         float64
	DaysSinceAccess float64
}

// FeaturesOf extracts the usage signals of r at now.
func FeaturesOf(r *model.Record, edges int, now time.Time) QualityFeatures {
	return QualityFeatures{
		Quality:         r.Quality,
		AccessCount:     r.AccessCount,
		RecallAttempts:  r.RecallAttempts,
		RecallSuccesses: r.RecallSuccesses,
		Edges:           edges,
		AgeDays:         decay.AgeDays(r.CreatedAt, now),
		DaysSinceAccess: decay.AgeDays(r.LastTouched(), now),
	}
}

// Components are the per-signal scores in [0,1].
type Components struct {
	Recall        float64 `json:"recall"`
	Access        float64 `json:"access"`
	Relationships float64 `json:"relationships"`
	AgeResilience float64 `json:"age_resilience"`
}

// Assessment is the outcome of AssessQuality.
type Assessment struct {
	RecordID   string     `json:"record_id"`
	Original   int        `json:"original"`
	Assessed   float64    `json:"assessed"`
	Suggested  int        `json:"suggested"`
	Confidence float64    `json:"confidence"`
	Components Components `json:"components"`
	Action     Action     `json:"action"`
	Reason     string     `json:"reason"`
	Applied    bool       `json:"applied"`
}

// AssessQuality scores a record's quality from usage alone. It has no side
// effects. A quality change is suggested only when the assessment differs
// from the original by at least minDelta points.
func AssessQuality(f QualityFeatures, minDelta int) Assessment {
	c := Components{
		Recall:        recallScore(f),
		Access:        accessScore(f),
		Relationships: relationshipScore(f),
		AgeResilience: ageResilienceScore(f),
	}
	score := weightRecall*c.Recall +
		weightAccess*c.Access +
		weightRelationships*c.Relationships +
		weightAgeResilience*c.AgeResilience
	assessed := 1 + score*9

	a := Assessment{
		Original:   f.Quality,
		Assessed:   assessed,
		Suggested:  int(math.Max(1, math.Min(10, math.Round(assessed)))),
		Confidence: confidence(f),
		Components: c,
	}

	diff := assessed - float64(f.Quality)
	delta := float64(max(minDelta, 1))
	switch {
	case a.Confidence < 0.5:
		a.Action, a.Reason = ActionKeep, "insufficient usage data"
	case diff >= delta:
		a.Action = ActionUpgrade
		a.Reason = fmt.Sprintf("usage suggests higher value (assessed %.1f vs %d)", assessed, f.Quality)
	case diff <= -delta:
		a.Action = ActionDowngrade
		a.Reason = fmt.Sprintf("low usage suggests lower value (assessed %.1f vs %d)", assessed, f.Quality)
	case assessed < 4 && a.Confidence >= 0.7:
		a.Action = ActionArchive
		a.Reason = fmt.Sprintf("consistently low value (assessed %.1f)", assessed)
	default:
		a.Action = ActionKeep
		a.Reason = fmt.Sprintf("assessment %.1f aligns with %d", assessed, f.Quality)
	}
	return a
}

func recallScore(f QualityFeatures) float64 {
	if f.RecallAttempts == 0 {
		return 0.5
	}
	rate := float64(f.RecallSuccesses) / float64(f.RecallAttempts)
	weight := math.Min(1, float64(f.RecallAttempts)/5)
	return rate*weight + 0.5*(1-weight)
}

// accessScore grows logarithmically: 1 access ~0.45, 5 ~0.7, 24+ = 1.
func accessScore(f QualityFeatures) float64 {
	if f.AccessCount == 0 {
		return 0.3
	}
	return math.Min(1, 0.3+0.7*math.Log(float64(f.AccessCount)+1)/math.Log(25))
}

func relationshipScore(f QualityFeatures) float64 {
	if f.Edges == 0 {
		return 0.3
	}
	return math.Min(1, 0.3+0.7*float64(f.Edges)/5)
}

// ageResilienceScore rewards old records that are still being accessed.
func ageResilienceScore(f QualityFeatures) float64 {
	switch {
	case f.AgeDays < 7:
		return 0.5
	case f.AccessCount == 0:
		return math.Max(0.1, 0.5-f.AgeDays/60*0.4)
	case f.AgeDays > 30 && f.DaysSinceAccess < 7:
		return 0.9
	case f.AgeDays > 14 && f.DaysSinceAccess < 14:
		return 0.7
	}
	return 0.6
}

func confidence(f QualityFeatures) float64 {
	c := 0.3
	switch {
	case f.AccessCount >= 3:
		c += 0.3
	case f.AccessCount > 0:
		c += 0.15
	}
	switch {
	case f.RecallAttempts >= 2:
		c += 0.3
	case f.RecallAttempts > 0:
		c += 0.15
	}
	if f.Edges > 0 {
		c += 0.1
	}
	return math.Min(1, c)
}
