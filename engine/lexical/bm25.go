// Package lexical provides a term-frequency ranking index (BM25) over a
// chunk snapshot. It has no dependency on the embedding gateway and is
// rebuilt from scratch whenever the underlying chunk set changes; the
// corpus is small enough that rebuild is O(total chunk count).
package lexical

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/CampusChat/campuschat/engine/domain"
)

// BM25 parameters, standard values.
const (
	k1 = 1.5
	b  = 0.75
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// Index ranks chunks by BM25 score. Stateless as a value: it has no
// identity beyond the snapshot it was built from.
type Index struct {
	chunks  []domain.Chunk
	tokens  [][]string
	df      map[string]int
	lens    []int
	avgLen  float64
	numDocs int
}

// Build constructs a lexical index over the chunk snapshot. Term-frequency
// statistics over fewer than two documents are undefined, so that is
// ErrDegenerateCorpus; callers fall back to similarity-only retrieval.
func Build(chunks []domain.Chunk) (*Index, error) {
	if len(chunks) < 2 {
		return nil, fmt.Errorf("lexical: %d chunks: %w", len(chunks), domain.ErrDegenerateCorpus)
	}

	ix := &Index{
		chunks:  chunks,
		tokens:  make([][]string, len(chunks)),
		df:      make(map[string]int),
		lens:    make([]int, len(chunks)),
		numDocs: len(chunks),
	}

	total := 0
	for i, c := range chunks {
		toks := tokenize(c.Text)
		ix.tokens[i] = toks
		ix.lens[i] = len(toks)
		total += len(toks)

		seen := make(map[string]struct{}, len(toks))
		for _, t := range toks {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			ix.df[t]++
		}
	}
	ix.avgLen = float64(total) / float64(len(chunks))
	return ix, nil
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return ix.numDocs }

// Search returns the top-k chunks by BM25 score for the query, highest
// first. Chunks that match no query term are omitted.
func (ix *Index) Search(query string, k int) []domain.ScoredChunk {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}

	scores := make([]float64, ix.numDocs)
	for _, qt := range qTokens {
		df, ok := ix.df[qt]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(ix.numDocs)-float64(df)+0.5)/(float64(df)+0.5))
		for i := range ix.chunks {
			tf := 0
			for _, t := range ix.tokens[i] {
				if t == qt {
					tf++
				}
			}
			if tf == 0 {
				continue
			}
			norm := 1 - b + b*float64(ix.lens[i])/ix.avgLen
			scores[i] += idf * float64(tf) * (k1 + 1) / (float64(tf) + k1*norm)
		}
	}

	order := make([]int, 0, ix.numDocs)
	for i, s := range scores {
		if s > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	if k > len(order) {
		k = len(order)
	}
	out := make([]domain.ScoredChunk, k)
	for i := 0; i < k; i++ {
		out[i] = domain.ScoredChunk{Chunk: ix.chunks[order[i]], Score: scores[order[i]]}
	}
	return out
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}
