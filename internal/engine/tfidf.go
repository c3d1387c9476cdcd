package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const defaultTFIDFDims = 512

// TFIDFEmbedder is the offline fallback embedder. Terms are hashed into a
// fixed number of buckets and weighted by inverse document frequency over
// the corpus it was built from. The model name carries a fingerprint of
// that corpus, so vectors weighted by an older corpus are re-embedded by
// RebuildIndex instead of being compared against new ones.
type TFIDFEmbedder struct {
	dims   int
	docs   int
	df     map[string]int
	corpus uint64
}

// NewTFIDFEmbedder builds the document frequencies of docs, usually the
// content of every stored record. dims <= 0 selects 512 buckets.
func NewTFIDFEmbedder(docs []string, dims int) *TFIDFEmbedder {
	if dims <= 0 {
		dims = defaultTFIDFDims
	}
	t := &TFIDFEmbedder{dims: dims, docs: len(docs), df: make(map[string]int)}
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				seen[term] = true
				t.df[term]++
			}
		}
	}
	t.corpus = t.fingerprint()
	return t
}

// fingerprint hashes the document count and every term frequency, so two
// embedders agree on a model name only when their IDF weights agree.
func (t *TFIDFEmbedder) fingerprint() uint64 {
	terms := make([]string, 0, len(t.df))
	for term := range t.df {
		terms = append(terms, term)
	}
	slices.Sort(terms)

	d := xxhash.New()
	d.WriteString(strconv.Itoa(t.docs))
	for _, term := range terms {
		d.WriteString("\x00" + term + ":" + strconv.Itoa(t.df[term]))
	}
	return d.Sum64()
}

// Model names the bucket count and the corpus the IDF weights came from.
func (t *TFIDFEmbedder) Model() string {
	return fmt.Sprintf("tfidf:%d:%016x", t.dims, t.corpus)
}

func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// idf is smoothed so that terms missing from the corpus weigh the most.
func (t *TFIDFEmbedder) idf(term string) float64 {
	return math.Log(float64(1+t.docs)/float64(1+t.df[term])) + 1
}

func (t *TFIDFEmbedder) bucket(term string) int {
	return int(xxhash.Sum64String(term) % uint64(t.dims))
}

// Embed returns the unit-length TF-IDF vector of text.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, t.dims)
	tf := make(map[string]int)
	var terms []string // first-occurrence order keeps bucket sums bit-identical
	peak := 0
	for _, term := range tokenize(text) {
		if tf[term] == 0 {
			terms = append(terms, term)
		}
		tf[term]++
		peak = max(peak, tf[term])
	}
	for _, term := range terms {
		// augmented term frequency keeps long texts from dominating
		vec[t.bucket(term)] += (0.5 + 0.5*float64(tf[term])/float64(peak)) * t.idf(term)
	}
	normalize(vec)
	return vec, nil
}

// tokenize lowercases text and splits it into words of two or more
// letters, digits, hyphens or underscores.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}
