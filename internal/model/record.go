// Package model defines the records, edges, schedules and sessions that flow
// between the store, the engine and the scheduler.
package model

import (
	"slices"
	"strings"
	"time"
)

// Kind classifies a memory record.
type Kind string

const (
	KindSemantic Kind = "semantic"
	KindEpisodic Kind = "episodic"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSemantic || k == KindEpisodic
}

// State is the lifecycle state of a record.
type State string

const (
	StateActive   State = "active"
	StateDormant  State = "dormant"
	StateArchived State = "archived"
)

// Origin records how a record entered the store.
type Origin string

const (
	OriginDirect     Origin = "direct"
	OriginSession    Origin = "session"
	OriginReflection Origin = "reflection"
	OriginMerge      Origin = "merge"
)

// TopicDelimiter separates topic segments, e.g. "go/concurrency/channels".
const TopicDelimiter = "/"

// Record is a single long-lived memory.
type Record struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic"`
	Content         string    `json:"content"`
	Kind            Kind      `json:"kind"`
	Quality         int       `json:"quality"`
	Understanding   *float64  `json:"understanding,omitempty"`
	SourceURL       string    `json:"source_url,omitempty"`
	Origin          Origin    `json:"origin"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	AccessCount     int       `json:"access_count"`
	RecallAttempts  int       `json:"recall_attempts"`
	RecallSuccesses int       `json:"recall_successes"`
	State           State     `json:"state"`
	MergedFrom      []string  `json:"merged_from,omitempty"`
	DerivedFrom     []string  `json:"derived_from,omitempty"`

	Review *ReviewSchedule `json:"review,omitempty"`

	// Strength is derived from the other fields and recomputed on load,
	// on read and during fade. It is carried for callers, never trusted.
	Strength float64 `json:"strength"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Understanding != nil {
		u := *r.Understanding
		c.Understanding = &u
	}
	c.MergedFrom = slices.Clone(r.MergedFrom)
	c.DerivedFrom = slices.Clone(r.DerivedFrom)
	if r.Review != nil {
		rv := *r.Review
		c.Review = &rv
	}
	return &c
}

// RecallRate returns successes/attempts, or ok=false when never recalled.
func (r *Record) RecallRate() (rate float64, ok bool) {
	if r.RecallAttempts == 0 {
		return 0, false
	}
	return float64(r.RecallSuccesses) / float64(r.RecallAttempts), true
}

// LastTouched is the reference point for recency: the last access, or
// creation when the record was never accessed.
func (r *Record) LastTouched() time.Time {
	if r.LastAccessedAt.IsZero() {
		return r.CreatedAt
	}
	return r.LastAccessedAt
}

// TopicPrefix returns the first segment of a hierarchical topic.
func TopicPrefix(topic string) string {
	topic = strings.Trim(topic, TopicDelimiter)
	if i := strings.Index(topic, TopicDelimiter); i >= 0 {
		return topic[:i]
	}
	return topic
}

// TopicSegments splits a topic into its non-empty segments.
func TopicSegments(topic string) []string {
	var segs []string
	for _, s := range strings.Split(topic, TopicDelimiter) {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// NormalizeTopic lowercases and trims a topic and collapses empty segments.
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.Join(TopicSegments(topic), TopicDelimiter))
}

// TopicWithin reports whether topic equals parent or is one of its descendants.
func TopicWithin(topic, parent string) bool {
	topic, parent = NormalizeTopic(topic), NormalizeTopic(parent)
	if parent == "" {
		return true
	}
	return topic == parent || strings.HasPrefix(topic, parent+TopicDelimiter)
}

// Candidate is a proposed record awaiting the quality gate.
type Candidate struct {
	Topic         string   `json:"topic"`
	Content       string   `json:"content"`
	Kind          Kind     `json:"kind,omitempty"`
	Quality       int      `json:"quality"`
	Understanding *float64 `json:"understanding,omitempty"`
	SourceURL     string   `json:"source_url,omitempty"`

	// Exploratory candidates skip drift checks.
	Exploratory bool `json:"exploratory,omitempty"`
}

// Reflection is a synthesized summary over a set of source records.
type Reflection struct {
	Topic     string    `json:"topic"`
	Synthesis string    `json:"synthesis"`
	SourceIDs []string  `json:"source_ids"`
	CreatedAt time.Time `json:"created_at"`
}
