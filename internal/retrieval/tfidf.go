package retrieval

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "with": true, "within": true,
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit. Stopwords and single characters are dropped.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

type document struct {
	pattern domain.Pattern
	terms   map[string]float64
	norm    float64
}

// index is an immutable TF-IDF index. A new one is built on every change.
type index struct {
	docs []document
	idf  map[string]float64
}

func buildIndex(patterns []domain.Pattern) *index {
	df := make(map[string]int)
	tfs := make([]map[string]float64, len(patterns))

	for i, p := range patterns {
		tf := termFrequencies(tokenize(p.FraudType + " " + p.Text))
		for t := range tf {
			df[t]++
		}
		tfs[i] = tf
	}

	n := float64(len(patterns))
	idf := make(map[string]float64, len(df))
	for t, d := range df {
		idf[t] = math.Log((1+n)/(1+float64(d))) + 1
	}

	docs := make([]document, len(patterns))
	for i, p := range patterns {
		weights, norm := weigh(tfs[i], idf)
		docs[i] = document{pattern: p, terms: weights, norm: norm}
	}
	return &index{docs: docs, idf: idf}
}

func termFrequencies(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func weigh(tf map[string]float64, idf map[string]float64) (map[string]float64, float64) {
	weights := make(map[string]float64, len(tf))
	var sum float64
	for t, f := range tf {
		w := (1 + math.Log(f)) * idf[t]
		if w == 0 {
			continue
		}
		weights[t] = w
		sum += w * w
	}
	return weights, math.Sqrt(sum)
}

type scored struct {
	pattern domain.Pattern
	score   float64
}

// search returns up to k patterns with positive cosine similarity to the
// query, best first. Ties are broken by pattern id.
func (ix *index) search(query string, k int) []scored {
	if k <= 0 || len(ix.docs) == 0 {
		return nil
	}

	q, qnorm := weigh(termFrequencies(tokenize(query)), ix.idf)
	if qnorm == 0 {
		return nil
	}

	var hits []scored
	for _, d := range ix.docs {
		if d.norm == 0 {
			continue
		}
		var dot float64
		for t, w := range q {
			dot += w * d.terms[t]
		}
		if dot <= 0 {
			continue
		}
		hits = append(hits, scored{pattern: d.pattern, score: dot / (qnorm * d.norm)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pattern.ID < hits[j].pattern.ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
