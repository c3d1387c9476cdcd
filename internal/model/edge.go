package model

import (
	"fmt"
	"time"
)

// Relation is the type of a knowledge graph edge.
type Relation string

const (
	RelatedTo   Relation = "related_to"
	CausedBy    Relation = "caused_by"
	Contradicts Relation = "contradicts"
	Supports    Relation = "supports"
	ExampleOf   Relation = "example_of"
	DerivedFrom Relation = "derived_from"
)

var validRelations = map[Relation]bool{
	RelatedTo:   true,
	CausedBy:    true,
	Contradicts: true,
	Supports:    true,
	ExampleOf:   true,
	DerivedFrom: true,
}

// ParseRelation validates s as a relation type. Empty means related_to.
func ParseRelation(s string) (Relation, error) {
	if s == "" {
		return RelatedTo, nil
	}
	r := Relation(s)
	if !validRelations[r] {
		return "", fmt.Errorf("%w: unknown relation %q", ErrInvalid, s)
	}
	return r, nil
}

// Edge is a directed, typed link between two records.
type Edge struct {
	From       string            `json:"from"`
	To         string            `json:"to"`
	Relation   Relation          `json:"relation"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Auto       bool              `json:"auto,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// EdgeKey identifies an edge; at most one edge exists per key.
type EdgeKey struct {
	From     string
	To       string
	Relation Relation
}

// Key returns the identity of e.
func (e Edge) Key() EdgeKey {
	return EdgeKey{From: e.From, To: e.To, Relation: e.Relation}
}

// Other returns the endpoint of e that is not id.
func (e Edge) Other(id string) string {
	if e.From == id {
		return e.To
	}
	return e.From
}
