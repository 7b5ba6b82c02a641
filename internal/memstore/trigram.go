package memstore

import "strings"

// trigrams returns the pg_trgm-style trigram set of already normalised text:
// each word is padded with two leading spaces and one trailing space.
func trigrams(norm string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(norm) {
		p := "  " + w + " "
		for i := 0; i+3 <= len(p); i++ {
			set[p[i:i+3]] = struct{}{}
		}
	}
	return set
}

// similarity is the Jaccard overlap of two trigram sets, as pg_trgm's similarity().
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

// coverage is the share of the query's trigrams found anywhere in the target.
// It stands in for pg_trgm's word_similarity() against long source text.
func coverage(query, target map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	shared := 0
	for t := range query {
		if _, ok := target[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(query))
}
